package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified content of a credential.
type Claims struct {
	Subject     string
	WorkspaceID string
	Roles       []string
	Permissions []string
}

// Verifier checks a token's signature, expiry, issuer and audience.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// AppClaims is the JWT body issued by the platform's token service.
type AppClaims struct {
	Permissions []string `json:"perms,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	WorkspaceID string   `json:"wid,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), opts: opts}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return &Claims{
		Subject:     claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Claims, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Claims, error) {
	return f(ctx, token)
}

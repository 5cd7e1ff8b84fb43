package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func signToken(t *testing.T, claims auth.AppClaims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func newAuthenticator(opts auth.Options) *auth.Authenticator {
	return auth.New(logging.Discard(), auth.NewJWTVerifier(secret, "", ""), opts)
}

func requestWithToken(where, token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	switch where {
	case "query":
		r = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	case "header":
		r.Header.Set("Authorization", "Bearer "+token)
	case "cookie":
		r.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: token})
	}
	return r
}

func TestCredentialSources(t *testing.T) {
	a := newAuthenticator(auth.Options{DefaultAllow: true})
	tok := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})

	for _, where := range []string{"query", "header", "cookie"} {
		t.Run(where, func(t *testing.T) {
			p, err := a.Authenticate(context.Background(), auth.SourceFromRequest(requestWithToken(where, tok)))
			if err != nil {
				t.Fatalf("Authenticate failed: %v", err)
			}
			if p.UserID != "user-1" {
				t.Errorf("expected user-1, got %s", p.UserID)
			}
		})
	}
}

func TestCredentialPrecedence(t *testing.T) {
	a := newAuthenticator(auth.Options{DefaultAllow: true})
	queryTok := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "from-query"}})
	headerTok := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "from-header"}})

	r := requestWithToken("query", queryTok)
	r.Header.Set("Authorization", "Bearer "+headerTok)
	r.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: "garbage"})

	p, err := a.Authenticate(context.Background(), auth.SourceFromRequest(r))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if p.UserID != "from-query" {
		t.Errorf("query parameter should win, got %s", p.UserID)
	}
}

func TestAuthenticateErrors(t *testing.T) {
	a := newAuthenticator(auth.Options{DefaultAllow: false})

	expired := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	noSubject := signToken(t, auth.AppClaims{Permissions: []string{"connect"}})
	noPerms := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	badWorkspace := signToken(t, auth.AppClaims{
		Permissions:      []string{"connect", "workspace:other:read"},
		WorkspaceID:      "w1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u"},
	})

	tests := []struct {
		name  string
		req   *http.Request
		check error
	}{
		{"no credential", requestWithToken("", ""), auth.ErrNoCredential},
		{"garbage token", requestWithToken("header", "not-a-jwt"), auth.ErrInvalidCredential},
		{"expired", requestWithToken("header", expired), auth.ErrInvalidCredential},
		{"missing subject", requestWithToken("header", noSubject), auth.ErrMissingIdentity},
		{"default deny", requestWithToken("header", noPerms), auth.ErrInsufficientPermission},
		{"wrong workspace", requestWithToken("header", badWorkspace), auth.ErrInsufficientPermission},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := a.Authenticate(context.Background(), auth.SourceFromRequest(tc.req))
			if p != nil {
				t.Fatalf("expected no principal, got %+v", p)
			}
			if !errors.Is(err, tc.check) {
				t.Fatalf("expected %v, got %v", tc.check, err)
			}
			var authErr *auth.Error
			if !errors.As(err, &authErr) {
				t.Fatalf("expected *auth.Error, got %T", err)
			}
		})
	}
}

func TestWorkspaceAccess(t *testing.T) {
	a := newAuthenticator(auth.Options{})
	byPerm := signToken(t, auth.AppClaims{
		Permissions:      []string{"connect", "workspace:w1:read"},
		WorkspaceID:      "w1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})
	byRole := signToken(t, auth.AppClaims{
		Roles:            []string{auth.RoleWorkspaceMember},
		WorkspaceID:      "w1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u2"},
	})
	for _, tok := range []string{byPerm, byRole} {
		p, err := a.Authenticate(context.Background(), auth.SourceFromRequest(requestWithToken("header", tok)))
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if p.WorkspaceID != "w1" {
			t.Errorf("expected workspace w1, got %q", p.WorkspaceID)
		}
	}
}

func TestPolicyDenyOverridesDefaultAllow(t *testing.T) {
	a := newAuthenticator(auth.Options{
		DefaultAllow: true,
		Policy: auth.PolicyFunc(func(p *auth.Principal, action, resource string) auth.Decision {
			if p.UserID == "banned" {
				return auth.Deny
			}
			return auth.Abstain
		}),
	})
	banned := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "banned"}})
	if _, err := a.Authenticate(context.Background(), auth.SourceFromRequest(requestWithToken("header", banned))); !errors.Is(err, auth.ErrInsufficientPermission) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	ok := signToken(t, auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "fine"}})
	if _, err := a.Authenticate(context.Background(), auth.SourceFromRequest(requestWithToken("header", ok))); err != nil {
		t.Fatalf("expected default allow, got %v", err)
	}
}

func TestAuthorizeAppliesConnectAndWorkspaceChecks(t *testing.T) {
	a := newAuthenticator(auth.Options{
		Policy: auth.PolicyFunc(func(*auth.Principal, string, string) auth.Decision { return auth.Deny }),
	})
	outsider := &auth.Principal{UserID: "u1", WorkspaceID: "w2"}
	if err := a.Authorize(outsider); !errors.Is(err, auth.ErrInsufficientPermission) {
		t.Fatalf("expected connect denial, got %v", err)
	}
	noWorkspace := &auth.Principal{UserID: "u1", WorkspaceID: "w2", Permissions: []string{auth.PermConnect}}
	if err := a.Authorize(noWorkspace); !errors.Is(err, auth.ErrInsufficientPermission) {
		t.Fatalf("expected workspace denial, got %v", err)
	}
	member := &auth.Principal{UserID: "u1", WorkspaceID: "w2", Roles: []string{auth.RoleWorkspaceMember}}
	if err := a.Authorize(member); err != nil {
		t.Fatalf("expected member to pass, got %v", err)
	}
}

func TestVerifyTimeoutIsInvalidCredential(t *testing.T) {
	slow := auth.VerifierFunc(func(ctx context.Context, token string) (*auth.Claims, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return &auth.Claims{Subject: "late"}, nil
	})
	a := auth.New(logging.Discard(), slow, auth.Options{DefaultAllow: true, VerifyTimeout: 20 * time.Millisecond})

	_, err := a.Verify(context.Background(), "whatever")
	if !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to be the cause, got %v", err)
	}
}

type fakeDirectory struct {
	roles, perms []string
	found        bool
}

func (d fakeDirectory) Lookup(ctx context.Context, userID, workspaceID string) ([]string, []string, bool, error) {
	return d.roles, d.perms, d.found, nil
}

func TestRefreshPrincipal(t *testing.T) {
	orig := &auth.Principal{UserID: "u1", WorkspaceID: "w1", Permissions: []string{"connect"}}

	a := newAuthenticator(auth.Options{})
	same, err := a.RefreshPrincipal(context.Background(), orig)
	if err != nil || same != orig {
		t.Fatalf("without a directory the principal should be returned as is, got %v, %v", same, err)
	}

	a = newAuthenticator(auth.Options{Directory: fakeDirectory{perms: []string{"tasks:*"}, found: true}})
	next, err := a.RefreshPrincipal(context.Background(), orig)
	if err != nil {
		t.Fatalf("RefreshPrincipal failed: %v", err)
	}
	if next == orig || !next.HasPermission("tasks:*") || next.HasPermission("connect") {
		t.Errorf("unexpected refreshed principal %+v", next)
	}
	if !orig.HasPermission("connect") {
		t.Error("original principal must not be mutated")
	}

	a = newAuthenticator(auth.Options{Directory: fakeDirectory{found: false}})
	gone, err := a.RefreshPrincipal(context.Background(), orig)
	if err != nil || gone != nil {
		t.Errorf("expected nil principal for a removed user, got %v, %v", gone, err)
	}
}

func TestCheckAction(t *testing.T) {
	p := &auth.Principal{UserID: "u", Permissions: []string{"doc:edit", "room:join:project:*"}}
	admin := &auth.Principal{UserID: "a", Roles: []string{auth.RoleWorkspaceAdmin}}

	cases := []struct {
		p        *auth.Principal
		action   string
		resource string
		want     bool
	}{
		{p, "doc:edit", "", true},
		{p, "doc:edit", "doc-1", true},
		{p, "doc:delete", "", false},
		{p, "room:join", "project:9", true},
		{p, "room:join", "task:9", false},
		{admin, "anything", "at-all", true},
		{nil, "doc:edit", "", false},
	}
	for _, c := range cases {
		if got := auth.CheckAction(c.p, c.action, c.resource); got != c.want {
			t.Errorf("CheckAction(%v, %q, %q) = %v, want %v", c.p, c.action, c.resource, got, c.want)
		}
	}
}

// Package auth authenticates inbound connections and answers coarse
// permission questions about the resulting principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Decision is the outcome of a Policy evaluation.
type Decision int

const (
	Abstain Decision = iota
	Allow
	Deny
)

// Policy is the external permission collaborator. Abstain defers to the
// authenticator's default policy.
type Policy interface {
	Decide(p *Principal, action, resource string) Decision
}

type PolicyFunc func(p *Principal, action, resource string) Decision

func (f PolicyFunc) Decide(p *Principal, action, resource string) Decision {
	return f(p, action, resource)
}

// Directory re-derives a user's grants for long-lived connections. found is
// false when the user no longer exists or lost access to the workspace.
type Directory interface {
	Lookup(ctx context.Context, userID, workspaceID string) (roles, perms []string, found bool, err error)
}

type Options struct {
	CookieName string
	// DefaultAllow is applied when neither a capability, a role nor the policy
	// decided the connect check.
	DefaultAllow  bool
	VerifyTimeout time.Duration
	Policy        Policy
	Directory     Directory
}

type Authenticator struct {
	verifier Verifier
	opts     Options
	logger   *slog.Logger
}

func New(logger *slog.Logger, verifier Verifier, opts Options) *Authenticator {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 5 * time.Second
	}
	return &Authenticator{
		verifier: verifier,
		opts:     opts,
		logger:   logger.With(slog.String("component", "authenticator")),
	}
}

// Authenticate turns a credential source into a principal or an *Error.
func (a *Authenticator) Authenticate(ctx context.Context, src Source) (*Principal, error) {
	token, ok := src.Credential(a.opts.CookieName)
	if !ok {
		return nil, newError(CodeNoCredential, "no token in query, header or cookie", nil)
	}
	p, err := a.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Authorize runs the connect and workspace checks on a verified principal.
// Every principal attached to a connection must pass it, including ones
// swapped in by in-band re-authentication.
func (a *Authenticator) Authorize(p *Principal) error {
	if !a.allowConnect(p) {
		a.logger.Warn("Connection denied by policy", slog.String("userID", p.UserID))
		return newError(CodeInsufficientPermission, "connect not permitted", nil)
	}
	if p.WorkspaceID != "" && !a.hasWorkspaceAccess(p) {
		a.logger.Warn("Workspace access denied", slog.String("userID", p.UserID), slog.String("workspaceID", p.WorkspaceID))
		return newError(CodeInsufficientPermission, "no access to workspace "+p.WorkspaceID, nil)
	}
	return nil
}

// Verify checks a raw token and derives a principal without the connect
// checks. It is used for in-band re-authentication as well.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Principal, error) {
	vctx, cancel := context.WithTimeout(ctx, a.opts.VerifyTimeout)
	defer cancel()

	type result struct {
		claims *Claims
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := a.verifier.Verify(vctx, token)
		done <- result{c, err}
	}()

	var claims *Claims
	select {
	case res := <-done:
		if res.err != nil {
			return nil, newError(CodeInvalidCredential, "verification failed", res.err)
		}
		claims = res.claims
	case <-vctx.Done():
		reason := "verification timed out"
		if !errors.Is(vctx.Err(), context.DeadlineExceeded) {
			reason = "verification cancelled"
		}
		return nil, newError(CodeInvalidCredential, reason, vctx.Err())
	}
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return nil, newError(CodeMissingIdentity, "token has no subject", nil)
	}
	p := &Principal{
		UserID:      claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Roles:       append([]string(nil), claims.Roles...),
		Permissions: append([]string(nil), claims.Permissions...),
	}
	return p, nil
}

func (a *Authenticator) allowConnect(p *Principal) bool {
	if p.HasPermission(PermConnect) || p.HasPermission(PermAPIAccess) ||
		p.HasRole(RoleAdmin) || p.isWorkspaceRole() {
		return true
	}
	if a.opts.Policy != nil {
		switch a.opts.Policy.Decide(p, PermConnect, p.WorkspaceID) {
		case Allow:
			return true
		case Deny:
			return false
		}
	}
	return a.opts.DefaultAllow
}

func (a *Authenticator) hasWorkspaceAccess(p *Principal) bool {
	if p.HasRole(RoleAdmin) || p.isWorkspaceRole() {
		return true
	}
	prefix := "workspace:" + p.WorkspaceID + ":"
	for _, perm := range p.Permissions {
		if strings.HasPrefix(perm, prefix) {
			return true
		}
	}
	return false
}

// RefreshPrincipal re-derives roles and permissions. It returns nil, nil when
// the directory reports the user is gone, and p itself without a directory.
func (a *Authenticator) RefreshPrincipal(ctx context.Context, p *Principal) (*Principal, error) {
	if p == nil {
		return nil, nil
	}
	if a.opts.Directory == nil {
		return p, nil
	}
	roles, perms, found, err := a.opts.Directory.Lookup(ctx, p.UserID, p.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("refresh principal %s: %w", p.UserID, err)
	}
	if !found {
		return nil, nil
	}
	next := p.clone()
	next.Roles = append([]string(nil), roles...)
	next.Permissions = append([]string(nil), perms...)
	return next, nil
}

// CheckAction reports whether p may perform action, optionally on resource.
func (a *Authenticator) CheckAction(p *Principal, action, resource string) bool {
	return CheckAction(p, action, resource)
}

func CheckAction(p *Principal, action, resource string) bool {
	if p == nil {
		return false
	}
	if p.HasRole(RoleAdmin) || p.HasRole(RoleWorkspaceAdmin) {
		return true
	}
	wanted := action
	if resource != "" {
		wanted = action + ":" + resource
	}
	for _, perm := range p.Permissions {
		if matchPermission(perm, action) || (resource != "" && matchPermission(perm, wanted)) {
			return true
		}
	}
	return false
}

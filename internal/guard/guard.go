// Package guard resolves the ambient caller identity and enforces role-based
// access on every public operation. Handlers receive an AuthContext produced
// here and must never accept caller identity from request parameters; the
// identity travels on the context, placed there by the transport adapter
// (HTTP bearer auth, CLI environment) before any handler runs.
package guard

import (
	"context"
	"strings"

	"github.com/dyluth/drey/pkg/ledger"
)

type contextKey struct{}

// WithIdentity returns a context carrying the authenticated user ID. Only
// transport adapters call this, after they have verified the caller.
func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// IdentityFromContext extracts the authenticated user ID, if any.
func IdentityFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// AuthContext is the resolved caller identity handed to operation handlers.
type AuthContext struct {
	UserID    string      // Authenticated caller
	TenantID  string      // Tenant of the project the call targets
	ProjectID string      // Project the call targets
	Role      ledger.Role // Caller's role in that project
}

// Scope returns the (tenant, project) pair the caller was authorized for.
func (a *AuthContext) Scope() ledger.Scope {
	return ledger.Scope{TenantID: a.TenantID, ProjectID: a.ProjectID}
}

// Guard checks operation callers against project membership rows.
type Guard struct {
	ledger *ledger.Client
}

// New creates a guard backed by the given ledger client.
func New(client *ledger.Client) *Guard {
	return &Guard{ledger: client}
}

// Authenticate resolves the ambient identity without any membership check.
// Operations that run before a project exists (init_project) use this.
func (g *Guard) Authenticate(ctx context.Context) (string, error) {
	userID, ok := IdentityFromContext(ctx)
	if !ok {
		return "", ledger.E(ledger.KindUnauthenticated, "no caller identity on request")
	}
	return userID, nil
}

// Require resolves the caller, verifies project membership, and checks the
// caller's role against the required set. An empty required set admits any
// member. Owners satisfy every requirement.
func (g *Guard) Require(ctx context.Context, s ledger.Scope, required ...ledger.Role) (*AuthContext, error) {
	userID, err := g.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	member, err := g.ledger.GetMember(ctx, s, userID)
	if ledger.IsNotFound(err) {
		return nil, ledger.E(ledger.KindNotAMember, "user %q is not a member of project %s", userID, s)
	}
	if err != nil {
		return nil, err
	}

	if len(required) > 0 && !roleAllowed(member.Role, required) {
		return nil, ledger.E(ledger.KindInsufficientPermissions,
			"role %q may not perform this operation (requires one of: %s)",
			member.Role, roleSet(required))
	}

	return &AuthContext{
		UserID:    userID,
		TenantID:  s.TenantID,
		ProjectID: s.ProjectID,
		Role:      member.Role,
	}, nil
}

func roleAllowed(held ledger.Role, required []ledger.Role) bool {
	for _, r := range required {
		if held.Covers(r) {
			return true
		}
	}
	return false
}

func roleSet(roles []ledger.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

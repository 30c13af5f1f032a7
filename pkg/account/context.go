// Package account resolves the calling account for per-account row scoping.
// Authentication happens upstream; this package trusts the identity headers
// set by the gateway in front of the service.
package account

import "context"

// Role values.
const (
	RoleMember   = "member"
	RoleReviewer = "reviewer"
)

// ctxKey is an unexported type used as the context key for Account.
type ctxKey struct{}

// Account carries the resolved caller through request context.
type Account struct {
	ID   string
	Role string
}

// IsReviewer reports whether the account may act on the review queue.
func (a Account) IsReviewer() bool {
	return a.Role == RoleReviewer
}

// WithAccount returns a new context with the given Account attached.
func WithAccount(ctx context.Context, a Account) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext retrieves the Account from the context.
// Returns the zero value and false if no account is set.
func FromContext(ctx context.Context) (Account, bool) {
	a, ok := ctx.Value(ctxKey{}).(Account)
	return a, ok
}

// IDFromContext returns the account id from the context, or "" if none.
func IDFromContext(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return a.ID
}

// Actor returns the audit actor for ctx: the account id, or fallback when
// the request is anonymous.
func Actor(ctx context.Context, fallback string) string {
	if id := IDFromContext(ctx); id != "" {
		return id
	}
	return fallback
}

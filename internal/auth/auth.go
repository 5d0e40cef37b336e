// Package auth carries the request identity and the admin allowlist.
// Admin standing is never stored; it is derived per request from the
// configured email list.
package auth

import (
	"context"
	"strings"
)

// Identity is who is making a request.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Allowlist decides admin standing from a comma-separated email list.
// Matching is case-insensitive; whitespace around entries is ignored.
type Allowlist struct {
	emails map[string]struct{}
}

func NewAllowlist(raw string) *Allowlist {
	emails := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			emails[entry] = struct{}{}
		}
	}
	return &Allowlist{emails: emails}
}

func (a *Allowlist) IsAdmin(email string) bool {
	_, ok := a.emails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Identify builds the request identity for a user.
func (a *Allowlist) Identify(userID, email string) Identity {
	return Identity{UserID: userID, Email: email, Admin: a.IsAdmin(email)}
}

type contextKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

package jwtauth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{ name string }

var profileContextKey = &contextKey{name: "profile_id"}

// WithProfileID stores the authenticated profile id in ctx.
func WithProfileID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, profileContextKey, id)
}

// ProfileID returns the authenticated profile id, if any.
func ProfileID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(profileContextKey).(string)
	return id, ok && id != ""
}

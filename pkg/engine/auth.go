package engine

import "context"

type authContextKey struct{}

// WithAuth carries the caller's credential into node handler contexts so
// tool calls can forward it. The credential is never logged or persisted.
func WithAuth(ctx context.Context, auth string) context.Context {
	if auth == "" {
		return ctx
	}
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext returns the credential installed by WithAuth, if any
func AuthFromContext(ctx context.Context) string {
	auth, _ := ctx.Value(authContextKey{}).(string)
	return auth
}

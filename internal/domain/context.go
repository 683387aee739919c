package domain

import "context"

type sessionKey struct{}

// ContextWithSessionID tags ctx with the id of the session it serves. Every
// handler context derived from a running session carries it.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionIDFromContext returns the session id carried by ctx, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

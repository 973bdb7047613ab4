package websocket

import "context"

type principalKey struct{}

// Principal identifies the authenticated connection a command arrived
// on, so handlers can authorize and scope without threading the
// gateway's Client type through every package.
type Principal struct {
	Subject string
	IsAdmin bool
}

// WithPrincipal attaches a Principal to ctx for the duration of one
// dispatched command.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the Principal attached by WithPrincipal.
// ok is false only when no Principal was attached. The gateway client
// attaches one to every command; on a connection that presented no
// token (dev mode, no verifier) its Subject is empty.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

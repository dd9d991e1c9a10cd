package auth

import "context"

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ActorFromContext returns the id and username of the authenticated caller.
func ActorFromContext(ctx context.Context) (id, username string, ok bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", "", false
	}
	return p.User.ID, p.User.Username, true
}

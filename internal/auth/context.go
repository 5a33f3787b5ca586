package auth

import "context"

type principalKey struct{}
type sessionTokenKey struct{}

// ContextWithPrincipal attaches the validated session principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, &p)
}

// PrincipalFromContext returns the principal set by the access middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(*Principal)
	if !ok || p == nil {
		return Principal{}, false
	}
	return *p, true
}

// ContextWithSessionToken keeps the raw session token for handlers that
// need to act on the current session, such as logout.
func ContextWithSessionToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionTokenKey{}, token)
}

func SessionTokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(sessionTokenKey{}).(string)
	return v, ok && v != ""
}

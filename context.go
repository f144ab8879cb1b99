package sessionkit

import "context"

type userContextKey struct{}

// WithUser attaches an authenticated user to ctx. The route gate does this
// before calling the protected handler.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user attached by [WithUser].
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return nil, false
	}
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok && user != nil
}

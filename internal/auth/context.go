package auth

import "context"

type contextKey string

const callerKey contextKey = "caller_identity"

// WithCaller attaches a caller identity to the context.
func WithCaller(ctx context.Context, caller *CallerIdentity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext retrieves the caller identity from the context.
func CallerFromContext(ctx context.Context) (*CallerIdentity, error) {
	caller, ok := ctx.Value(callerKey).(*CallerIdentity)
	if !ok || caller == nil {
		return nil, ErrNoCaller
	}
	return caller, nil
}

package auth

import (
	"context"
	"time"
)

// Caller is the internal service that signed the current request.
type Caller struct {
	Name     string
	Nonce    string
	SignedAt time.Time
}

type callerKey struct{}

func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the verified caller. Requests that skipped signature verification
// (local environment) have none.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok && caller.Name != ""
}

package middleware

import (
	"context"
	"time"
)

// TimeOutMiddleware bounds the round trip by timeout. The transport observes
// the deadline itself, so the buffer is never touched once the call returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, call)
		}
	}
}

package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nx-ipc/protocol"
	"nx-ipc/transport"
)

// RetryMiddleware retries transport failures (timeouts, refused connections)
// with exponential backoff. The command bytes are restored before each new
// attempt. Remote status codes and malformed responses are returned as is.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			var snapshot [protocol.BufferSize]byte
			copy(snapshot[:], call.Buffer.Bytes())

			err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !transport.IsRetryable(err) {
					return err
				}
				logger.Info("retrying ipc round trip",
					zap.Int("attempt", i+1),
					zap.Stringer("kind", call.Kind),
					zap.Uint32("handle", uint32(call.Handle)),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return err
				}
				if loadErr := call.Buffer.Load(snapshot[:]); loadErr != nil {
					return loadErr
				}
				err = next(ctx, call)
			}
			return err
		}
	}
}

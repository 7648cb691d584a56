package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every round trip: at debug level when it succeeds and
// at warn level with the error otherwise.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			start := time.Now()
			err := next(ctx, call)

			fields := []zap.Field{
				zap.Stringer("kind", call.Kind),
				zap.Uint32("handle", uint32(call.Handle)),
				zap.Stringer("session", call.Session),
				zap.Uint32("request_id", call.RequestID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("ipc round trip failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("ipc round trip", fields...)
			return nil
		}
	}
}

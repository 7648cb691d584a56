// Package middleware wraps the transport round trip of a session.
//
// A client session marshals its command, passes the buffer through the chain
// as a Call, and parses the response once the chain returns. Middlewares see
// the buffer but must not rewrite it except to restore what they saved.
package middleware

import (
	"context"

	"nx-ipc/message"
	"nx-ipc/protocol"
)

// Call describes one round trip in flight.
type Call struct {
	Kind      protocol.CommandType
	Handle    message.Handle
	Session   message.Session
	RequestID uint32 // request or control id; unused for Close
	Buffer    *protocol.Buffer
}

// HandlerFunc performs the round trip of call.
type HandlerFunc func(ctx context.Context, call *Call) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

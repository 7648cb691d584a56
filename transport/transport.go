// Package transport performs the blocking round trip of a marshaled IPC buffer.
//
// The codec writes a command into a protocol.Buffer, a Transport hands it to
// whatever services the session handle and returns once the response has been
// written back into the same buffer:
//
//	client ──WriteRequest──→ buf ──SendSyncRequest(handle, buf)──→ Handler
//	client ←──ReadResponse── buf ←─────────── response ───────────┘
//
// Loopback calls an in-process Handler directly. ClientTransport carries the
// buffer over a byte stream to a service emulator using bridge frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"nx-ipc/message"
	"nx-ipc/protocol"
)

var (
	// ErrClosed is returned for round trips on a transport that has been
	// closed or whose connection broke.
	ErrClosed = errors.New("transport: closed")
	// ErrTimeout is returned when the context deadline passes before the
	// response arrives. The buffer is left untouched.
	ErrTimeout = errors.New("transport: round trip timed out")
)

// Handler services the command held in buf and writes the response into it.
// A non-nil error is a kernel-level failure: the buffer holds no response.
type Handler interface {
	HandleSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error

func (f HandlerFunc) HandleSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
	return f(ctx, handle, buf)
}

// Transport is the opaque blocking send of a session.
type Transport interface {
	SendSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error
}

// IsRetryable reports whether err is a transport failure worth another attempt.
// Remote status codes and malformed responses never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, syscall.ECONNREFUSED)
}

// Loopback delivers buffers to an in-process Handler.
type Loopback struct {
	handler Handler
}

// NewLoopback returns a transport that calls h synchronously.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{handler: h}
}

func (l *Loopback) SendSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	return l.handler.HandleSyncRequest(ctx, handle, buf)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

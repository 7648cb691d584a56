package transport

// ClientTransport lets several sessions share one bridge connection. Each
// round trip gets a sequence number, and a background goroutine (recvLoop)
// reads every frame and routes it to the waiting caller:
//
//	session-1 ──SendSyncRequest(seq=1)──┐
//	session-2 ──SendSyncRequest(seq=2)──┼──→ single conn ──→ emulator
//	session-3 ──SendSyncRequest(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ─→ session-2 copies it into its buffer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"nx-ipc/message"
	"nx-ipc/protocol"
	"nx-ipc/result"
)

// DefaultHeartbeatInterval is how often an idle connection is pinged.
const DefaultHeartbeatInterval = 30 * time.Second

type reply struct {
	header *protocol.FrameHeader
	body   []byte
	err    error
}

// ClientTransport manages one multiplexed bridge connection.
type ClientTransport struct {
	conn    net.Conn
	logger  *zap.Logger
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan reply
	sending sync.Mutex // one frame on the wire at a time

	closed    chan struct{}
	closeOnce sync.Once
}

// ClientOption configures a ClientTransport.
type ClientOption func(*clientOptions)

type clientOptions struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.heartbeat = d }
}

// WithLogger sets the logger for connection events.
func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// NewClientTransport wraps conn and starts the receive loop and, unless
// disabled, the heartbeat loop.
func NewClientTransport(conn net.Conn, opts ...ClientOption) *ClientTransport {
	o := clientOptions{heartbeat: DefaultHeartbeatInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &ClientTransport{
		conn:   conn,
		logger: o.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		closed: make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// SendSyncRequest sends buf on handle and blocks until the response has been
// copied back into buf, ctx is done or the connection breaks. Only a
// successful response touches buf.
func (t *ClientTransport) SendSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	ch := make(chan reply, 1)

	t.sending.Lock()
	t.seq++
	seq := t.seq
	// Register before writing so recvLoop cannot miss a fast reply.
	t.pending.Store(seq, ch)
	err := protocol.EncodeFrame(t.conn, &protocol.FrameHeader{
		Type:   protocol.FrameTypeRequest,
		Seq:    seq,
		Handle: uint32(handle),
	}, buf.Bytes())
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		return fmt.Errorf("%w: write request: %w", ErrClosed, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return deliver(r, buf)
	case <-ctx.Done():
		t.pending.Delete(seq)
		return contextError(ctx.Err())
	case <-t.closed:
		t.pending.Delete(seq)
		return ErrClosed
	}
}

func deliver(r reply, buf *protocol.Buffer) error {
	switch r.header.Type {
	case protocol.FrameTypeResponse:
		return buf.Load(r.body)
	case protocol.FrameTypeError:
		if len(r.body) != 4 {
			return fmt.Errorf("transport: error frame with %d byte body", len(r.body))
		}
		return result.Code(binary.LittleEndian.Uint32(r.body))
	default:
		return fmt.Errorf("transport: unexpected %d frame for seq %d", r.header.Type, r.header.Seq)
	}
}

// recvLoop is the only reader of the connection: frame boundaries in a byte
// stream can only be found by reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.DecodeFrame(t.conn)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("bridge connection lost", zap.Error(err))
			}
			t.closeAllPending(fmt.Errorf("%w: %w", ErrClosed, err))
			t.Close()
			return
		}
		if header.Type == protocol.FrameTypeHeartbeat {
			continue
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan reply) <- reply{header: header, body: body}
		} else {
			t.logger.Debug("dropping reply without caller", zap.Uint32("seq", header.Seq))
		}
	}
}

// closeAllPending fails every waiting caller so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		value.(chan reply) <- reply{err: err}
		t.pending.Delete(key)
		return true
	})
}

// heartbeatLoop pings the emulator so an idle connection is not reaped.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.EncodeFrame(t.conn, &protocol.FrameHeader{Type: protocol.FrameTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the connection and fails pending round trips. It is safe to
// call more than once.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

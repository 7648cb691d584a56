// Package client drives IPC sessions: it marshals commands with the codec,
// sends them through a transport and parses the responses.
//
// A Session owns one buffer and serializes its calls. Sub-objects of a domain
// (Object) and the root object share that buffer and lock, the way every
// object of a thread shares its message buffer.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"nx-ipc/codec"
	"nx-ipc/message"
	"nx-ipc/middleware"
	"nx-ipc/protocol"
	"nx-ipc/transport"
)

var (
	// ErrNotDomain is returned for domain-only operations on a plain session.
	ErrNotDomain = errors.New("client: session is not a domain")
	// ErrSessionClosed is returned for calls on a closed session.
	ErrSessionClosed = errors.New("client: session closed")
	// ErrShortPayload is returned when a control response carries less data
	// than its operation defines.
	ErrShortPayload = errors.New("client: response payload too short")
)

// conn is the state shared by a session and its domain sub-objects.
type conn struct {
	mu        sync.Mutex
	handle    message.Handle
	transport transport.Transport
	buf       *protocol.Buffer
	handler   middleware.HandlerFunc
	logger    *zap.Logger
	closer    io.Closer // closed with the owning session, may be nil
	closed    bool
	opts      options
}

// Session is one object reachable through a kernel handle: a plain session or
// an object inside a domain.
type Session struct {
	c       *conn
	session message.Session // guarded by c.mu
	owner   bool            // the session that owns the handle, not a domain sub-object
}

// Option configures a Session.
type Option func(*options)

type options struct {
	middlewares []middleware.Middleware
	logger      *zap.Logger
}

// WithMiddleware wraps every round trip in mws, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithLogger sets the logger used for session events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewSession returns a plain session on handle.
func NewSession(t transport.Transport, handle message.Handle, opts ...Option) *Session {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return newSession(t, handle, message.NonDomain(), nil, o)
}

func newSession(t transport.Transport, handle message.Handle, session message.Session, closer io.Closer, o options) *Session {
	c := &conn{
		handle:    handle,
		transport: t,
		buf:       protocol.NewBuffer(),
		logger:    o.logger,
		closer:    closer,
		opts:      o,
	}
	send := func(ctx context.Context, call *middleware.Call) error {
		return c.transport.SendSyncRequest(ctx, call.Handle, call.Buffer)
	}
	c.handler = middleware.Chain(o.middlewares...)(send)
	return &Session{c: c, session: session, owner: true}
}

// Handle returns the kernel handle the session sends on.
func (s *Session) Handle() message.Handle {
	return s.c.handle
}

// Descriptor returns the session descriptor used to address commands.
func (s *Session) Descriptor() message.Session {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.session
}

// IsDomain reports whether the session addresses a domain object.
func (s *Session) IsDomain() bool {
	return s.Descriptor().IsDomain
}

// Object returns the domain object objectID reached through the same handle.
// Closing it closes only that object.
func (s *Session) Object(objectID uint32) (*Session, error) {
	if !s.IsDomain() {
		return nil, ErrNotDomain
	}
	return &Session{c: s.c, session: message.Domain(objectID)}, nil
}

// roundTrip runs write, the middleware chain and read under the buffer lock.
// Both callbacks get the descriptor as of the lock; read may replace
// s.session, and an error from write aborts before anything is sent.
func (s *Session) roundTrip(ctx context.Context, kind protocol.CommandType, id uint32, in *message.InParams,
	write func(buf *protocol.Buffer, session message.Session) error, read func(buf *protocol.Buffer, session message.Session) error) error {
	if in != nil {
		if err := in.Validate(); err != nil {
			return err
		}
	}

	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}

	session := s.session
	if err := write(c.buf, session); err != nil {
		return err
	}
	call := &middleware.Call{Kind: kind, Handle: c.handle, Session: session, RequestID: id, Buffer: c.buf}
	if err := c.handler(ctx, call); err != nil {
		return err
	}
	if read == nil {
		return nil
	}
	return read(c.buf, session)
}

// Request sends request id to the session's object and returns a copy of the
// out.DataSize byte payload. Domain sessions send a SendMessage command.
func (s *Session) Request(ctx context.Context, id uint32, in *message.InParams, out *message.OutParams) ([]byte, error) {
	return s.RequestDomain(ctx, id, protocol.DomainCommandTypeSendMessage, in, out)
}

// RequestDomain is Request with an explicit domain command type. kind is
// ignored on plain sessions.
func (s *Session) RequestDomain(ctx context.Context, id uint32, kind protocol.DomainCommandType, in *message.InParams, out *message.OutParams) ([]byte, error) {
	in, out = params(in, out)
	var data []byte
	var target message.Session
	err := s.roundTrip(ctx, protocol.CommandTypeRequest, id, in,
		func(buf *protocol.Buffer, session message.Session) error {
			target = session
			codec.WriteRequest(buf, session, in, codec.RequestID(id), kind)
			return nil
		},
		func(buf *protocol.Buffer, session message.Session) error {
			if err := codec.ReadRequestResponse(buf, session, out); err != nil {
				return err
			}
			data = append([]byte(nil), out.Payload(buf)...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("request %d on %s: %w", id, target, err)
	}
	return data, nil
}

// Control sends a session-management command and returns a copy of the
// out.DataSize byte payload.
func (s *Session) Control(ctx context.Context, id codec.ControlRequestID, in *message.InParams, out *message.OutParams) ([]byte, error) {
	in, out = params(in, out)
	var data []byte
	err := s.roundTrip(ctx, protocol.CommandTypeControl, uint32(id), in,
		func(buf *protocol.Buffer, _ message.Session) error {
			codec.WriteControl(buf, in, id)
			return nil
		},
		func(buf *protocol.Buffer, _ message.Session) error {
			if err := codec.ReadControlResponse(buf, out); err != nil {
				return err
			}
			data = append([]byte(nil), out.Payload(buf)...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("control %s: %w", id, err)
	}
	return data, nil
}

func params(in *message.InParams, out *message.OutParams) (*message.InParams, *message.OutParams) {
	if in == nil {
		in = &message.InParams{}
	}
	if out == nil {
		out = &message.OutParams{}
	}
	return in, out
}

// Close releases the session. A domain sub-object sends a domain Close
// request for its object; the owning session sends a Close command, after
// which the handle and every sub-object are unusable. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	if !s.owner {
		err := s.roundTrip(ctx, protocol.CommandTypeRequest, 0, nil,
			func(buf *protocol.Buffer, session message.Session) error {
				codec.WriteRequest(buf, session, &message.InParams{}, nil, protocol.DomainCommandTypeClose)
				return nil
			}, nil)
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}

	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	codec.WriteClose(c.buf, nil)
	call := &middleware.Call{Kind: protocol.CommandTypeClose, Handle: c.handle, Session: s.session, Buffer: c.buf}
	err := c.handler(ctx, call)
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	c.logger.Debug("session closed", zap.Uint32("handle", uint32(c.handle)), zap.Error(err))
	return err
}

// errAlreadyDomain stops a conversion of a session that already is a domain.
var errAlreadyDomain = errors.New("client: already a domain")

// ConvertToDomain turns the session into a domain and returns the object id
// of the current object. The session addresses that object from now on.
// Calls already waiting for the buffer see the new descriptor.
func (s *Session) ConvertToDomain(ctx context.Context) (uint32, error) {
	const id = codec.ConvertCurrentObjectToDomain
	var objectID uint32
	out := &message.OutParams{DataSize: 4}
	err := s.roundTrip(ctx, protocol.CommandTypeControl, uint32(id), nil,
		func(buf *protocol.Buffer, session message.Session) error {
			if session.IsDomain {
				objectID = session.ObjectID
				return errAlreadyDomain
			}
			codec.WriteControl(buf, &message.InParams{}, id)
			return nil
		},
		func(buf *protocol.Buffer, _ message.Session) error {
			if err := codec.ReadControlResponse(buf, out); err != nil {
				return err
			}
			data := out.Payload(buf)
			if len(data) < 4 {
				return ErrShortPayload
			}
			objectID = binary.LittleEndian.Uint32(data)
			s.session = message.Domain(objectID)
			return nil
		})
	switch {
	case errors.Is(err, errAlreadyDomain):
		return objectID, nil
	case err != nil:
		return 0, fmt.Errorf("control %s: %w", id, err)
	}
	s.c.logger.Debug("converted to domain", zap.Uint32("handle", uint32(s.c.handle)), zap.Uint32("object_id", objectID))
	return objectID, nil
}

// QueryPointerBufferSize returns the size of the service's pointer buffer.
func (s *Session) QueryPointerBufferSize(ctx context.Context) (uint16, error) {
	data, err := s.Control(ctx, codec.QueryPointerBufferSize, nil, &message.OutParams{DataSize: 2})
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint16(data), nil
}

// CloneCurrentObject opens another handle to the current object. The clone
// shares the transport but not its lifetime: closing the clone leaves the
// transport open.
func (s *Session) CloneCurrentObject(ctx context.Context) (*Session, error) {
	return s.clone(ctx, codec.CloneCurrentObject, nil)
}

// CloneCurrentObjectEx is CloneCurrentObject with a tag.
func (s *Session) CloneCurrentObjectEx(ctx context.Context, tag uint32) (*Session, error) {
	return s.clone(ctx, codec.CloneCurrentObjectEx, binary.LittleEndian.AppendUint32(nil, tag))
}

func (s *Session) clone(ctx context.Context, id codec.ControlRequestID, data []byte) (*Session, error) {
	h, err := s.movedHandle(ctx, id, data)
	if err != nil {
		return nil, err
	}
	return newSession(s.c.transport, h, s.Descriptor(), nil, s.c.opts), nil
}

// CopyFromCurrentDomain opens a plain session to domain object objectID.
func (s *Session) CopyFromCurrentDomain(ctx context.Context, objectID uint32) (*Session, error) {
	if !s.IsDomain() {
		return nil, ErrNotDomain
	}
	h, err := s.movedHandle(ctx, codec.CopyFromCurrentDomain, binary.LittleEndian.AppendUint32(nil, objectID))
	if err != nil {
		return nil, err
	}
	return newSession(s.c.transport, h, message.NonDomain(), nil, s.c.opts), nil
}

func (s *Session) movedHandle(ctx context.Context, id codec.ControlRequestID, data []byte) (message.Handle, error) {
	out := &message.OutParams{}
	if _, err := s.Control(ctx, id, &message.InParams{Data: data}, out); err != nil {
		return 0, err
	}
	if len(out.MoveHandles) == 0 {
		return 0, fmt.Errorf("control %s: %w: no handle moved", id, ErrShortPayload)
	}
	return out.MoveHandles[0], nil
}

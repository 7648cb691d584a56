// Package server emulates the service side of IPC sessions on the host.
//
// It decodes command buffers the way a service framework would, dispatches
// requests to registered command tables and writes responses back into the
// same buffer. Control commands (domain conversion, cloning, pointer buffer
// queries) and session teardown are handled by the emulator itself.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads bridge frames)
//	  → for each request frame: go handleFrame (parallel processing)
//	    → HandleSyncRequest → middleware chain → dispatch → CommandHandler → response in buffer
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nx-ipc/codec"
	"nx-ipc/message"
	"nx-ipc/middleware"
	"nx-ipc/protocol"
	"nx-ipc/registry"
	"nx-ipc/result"
)

// ErrServiceNotFound is returned by Connect for unknown service names.
var ErrServiceNotFound = errors.New("server: service not registered")

const (
	// DefaultPointerBufferSize is reported by QueryPointerBufferSize.
	DefaultPointerBufferSize = 0x500
	// MaxDomainObjects bounds the objects of one domain.
	MaxDomainObjects = 64

	firstHandle   message.Handle = 0x100
	firstObjectID uint32         = 1

	defaultRegisterTTL int64 = 10
)

// session is the state behind one or more handles.
type session struct {
	object *Service
	domain *domain // nil until converted
}

type domain struct {
	objects map[uint32]*Service
	nextID  uint32
}

// Server emulates the services registered with it.
type Server struct {
	logger            *zap.Logger
	pointerBufferSize uint16
	processID         uint64
	registerTTL       int64

	mu         sync.Mutex
	services   map[string]*Service
	ports      map[string]message.Handle
	sessions   map[message.Handle]*session
	nextHandle message.Handle

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares wrapped around dispatch

	listener      net.Listener
	conns         map[net.Conn]struct{}
	wg            sync.WaitGroup // in-flight bridge requests
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPointerBufferSize sets the size reported by QueryPointerBufferSize.
func WithPointerBufferSize(size uint16) Option {
	return func(s *Server) { s.pointerBufferSize = size }
}

// WithProcessID sets the process id stamped into requests that ask for it.
func WithProcessID(pid uint64) Option {
	return func(s *Server) { s.processID = pid }
}

// WithRegisterTTL sets the lease, in seconds, of registry entries.
func WithRegisterTTL(ttl int64) Option {
	return func(s *Server) { s.registerTTL = ttl }
}

// NewServer returns an emulator with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:            zap.NewNop(),
		pointerBufferSize: DefaultPointerBufferSize,
		registerTTL:       defaultRegisterTTL,
		services:          make(map[string]*Service),
		ports:             make(map[string]message.Handle),
		sessions:          make(map[message.Handle]*session),
		nextHandle:        firstHandle,
		conns:             make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.dispatch
	return s
}

// Use adds a middleware around dispatch. Middlewares apply in the order they
// are added. Use must not be called once the server is handling requests.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

// Register publishes svc and returns its port handle: a session every client
// of the service may send its first commands on.
func (s *Server) Register(svc *Service) message.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.openSessionLocked(&session{object: svc})
	s.services[svc.Name()] = svc
	s.ports[svc.Name()] = h
	return h
}

// Connect opens a private session to the named service.
func (s *Server) Connect(name string) (message.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return s.openSessionLocked(&session{object: svc}), nil
}

func (s *Server) openSessionLocked(sess *session) message.Handle {
	h := s.nextHandle
	s.nextHandle++
	s.sessions[h] = sess
	return h
}

func (s *Server) lookup(h message.Handle) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[h]
}

// HandleSyncRequest services the command in buf sent on handle. An unknown
// handle is reported as result.ResultInvalidSession without touching buf;
// every other failure is written into the response.
func (s *Server) HandleSyncRequest(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
	header := protocol.DecodeCommandHeader(buf.Reader(0))
	call := &middleware.Call{Kind: header.Type, Handle: handle, Buffer: buf}
	return s.handler(ctx, call)
}

func (s *Server) dispatch(ctx context.Context, call *middleware.Call) error {
	sess := s.lookup(call.Handle)
	if sess == nil {
		return result.ResultInvalidSession
	}

	switch call.Kind {
	case protocol.CommandTypeClose:
		s.mu.Lock()
		delete(s.sessions, call.Handle)
		s.mu.Unlock()
		s.logger.Debug("session closed", zap.Uint32("handle", uint32(call.Handle)))
		return nil
	case protocol.CommandTypeRequest:
		return s.handleRequest(ctx, call, sess)
	case protocol.CommandTypeControl:
		return s.handleControl(call, sess)
	default:
		codec.WriteResponse(call.Buffer, false, &codec.Response{Result: result.ResultInvalidInHeader.Value()})
		return nil
	}
}

func (s *Server) handleRequest(ctx context.Context, call *middleware.Call, sess *session) error {
	s.mu.Lock()
	dom := sess.domain
	s.mu.Unlock()
	isDomain := dom != nil

	buf := call.Buffer
	d, err := codec.Describe(buf, codec.DirectionIn, isDomain, -1)
	if err != nil || (isDomain && d.DomainIn == nil) || !payloadInRange(d) {
		s.respond(buf, isDomain, result.ResultInvalidInHeader, nil)
		return nil
	}

	target := sess.object
	call.Session = message.NonDomain()
	if isDomain {
		in := d.DomainIn
		call.Session = message.Domain(in.ObjectID)
		switch in.Type {
		case protocol.DomainCommandTypeClose:
			s.respond(buf, true, s.closeObject(dom, in.ObjectID), nil)
			return nil
		case protocol.DomainCommandTypeSendMessage:
		default:
			s.respond(buf, true, result.ResultInvalidInHeader, nil)
			return nil
		}

		s.mu.Lock()
		target = dom.objects[in.ObjectID]
		s.mu.Unlock()
		if target == nil {
			s.respond(buf, true, result.ResultTargetNotFound, nil)
			return nil
		}
	}

	if d.DataHeader == nil || !d.MagicValid {
		s.respond(buf, isDomain, result.ResultInvalidInHeader, nil)
		return nil
	}
	call.RequestID = d.DataHeader.Value

	handler, ok := target.commands[d.DataHeader.Value]
	if !ok {
		s.respond(buf, isDomain, result.ResultUnknownCommandID, nil)
		return nil
	}

	resp := &Response{}
	req := &Request{
		ID:              d.DataHeader.Value,
		Handle:          call.Handle,
		Session:         call.Session,
		Token:           d.DataHeader.Token,
		SendProcessID:   d.SendProcessID,
		CopyHandles:     d.CopyHandles,
		MoveHandles:     d.MoveHandles,
		Objects:         d.Objects,
		SendStatics:     d.SendStatics,
		SendBuffers:     d.SendBuffers,
		ReceiveBuffers:  d.ReceiveBuffers,
		ExchangeBuffers: d.ExchangeBuffers,
		Data:            append([]byte(nil), buf.Bytes()[d.PayloadOffset:d.PayloadOffset+d.PayloadSize]...),
	}
	if d.SendProcessID {
		req.ProcessID = s.processID
	}
	req.open = func(svc *Service) (uint32, error) {
		return s.openObject(dom, svc, resp)
	}

	if err := handler(ctx, req, resp); err != nil {
		s.respond(buf, isDomain, s.status(target, req.ID, err), nil)
		return nil
	}
	s.respond(buf, isDomain, result.Success, resp)
	return nil
}

// openObject backs Request.Open.
func (s *Server) openObject(dom *domain, svc *Service, resp *Response) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dom == nil {
		h := s.openSessionLocked(&session{object: svc})
		resp.MoveHandles = append(resp.MoveHandles, h)
		return uint32(h), nil
	}
	id, err := dom.addLocked(svc)
	if err != nil {
		return 0, err
	}
	resp.Objects = append(resp.Objects, id)
	return id, nil
}

func (d *domain) addLocked(svc *Service) (uint32, error) {
	if len(d.objects) >= MaxDomainObjects {
		return 0, result.ResultOutOfDomainEntries
	}
	id := d.nextID
	d.nextID++
	d.objects[id] = svc
	return id, nil
}

func (s *Server) closeObject(dom *domain, id uint32) result.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := dom.objects[id]; !ok {
		return result.ResultTargetNotFound
	}
	delete(dom.objects, id)
	s.logger.Debug("domain object closed", zap.Uint32("object_id", id))
	return result.Success
}

func (s *Server) handleControl(call *middleware.Call, sess *session) error {
	buf := call.Buffer
	call.Session = message.NonDomain()
	d, err := codec.Describe(buf, codec.DirectionIn, false, -1)
	if err != nil || d.DataHeader == nil || !d.MagicValid || !payloadInRange(d) {
		s.respond(buf, false, result.ResultInvalidInHeader, nil)
		return nil
	}
	id := codec.ControlRequestID(d.DataHeader.Value)
	call.RequestID = uint32(id)
	payload := buf.Bytes()[d.PayloadOffset : d.PayloadOffset+d.PayloadSize]

	s.mu.Lock()
	defer s.mu.Unlock()

	var status result.Code
	resp := &Response{}
	switch id {
	case codec.ConvertCurrentObjectToDomain:
		if sess.domain != nil {
			status = result.ResultInvalidSession
			break
		}
		dom := &domain{objects: make(map[uint32]*Service), nextID: firstObjectID}
		objectID, _ := dom.addLocked(sess.object)
		sess.domain = dom
		resp.Data = binary.LittleEndian.AppendUint32(nil, objectID)

	case codec.CopyFromCurrentDomain:
		if sess.domain == nil {
			status = result.ResultInvalidSession
			break
		}
		if len(payload) < 4 {
			status = result.ResultInvalidInHeader
			break
		}
		obj, ok := sess.domain.objects[binary.LittleEndian.Uint32(payload)]
		if !ok {
			status = result.ResultTargetNotFound
			break
		}
		resp.MoveHandles = []message.Handle{s.openSessionLocked(&session{object: obj})}

	case codec.CloneCurrentObject, codec.CloneCurrentObjectEx:
		// A clone of a domain session shares the domain.
		clone := &session{object: sess.object, domain: sess.domain}
		resp.MoveHandles = []message.Handle{s.openSessionLocked(clone)}

	case codec.QueryPointerBufferSize:
		resp.Data = binary.LittleEndian.AppendUint16(nil, s.pointerBufferSize)

	default:
		status = result.ResultUnknownCommandID
	}

	if status != result.Success {
		resp = nil
	}
	s.respond(buf, false, status, resp)
	return nil
}

func payloadInRange(d *codec.Description) bool {
	return d.PayloadOffset+d.PayloadSize <= protocol.BufferSize
}

// respond writes the response for status. A handler response that does not
// fit one command is replaced by ResultInternal.
func (s *Server) respond(buf *protocol.Buffer, domain bool, status result.Code, resp *Response) {
	if resp == nil {
		resp = &Response{}
	}
	wire := resp.wire(status.Value())
	if err := wire.Validate(domain); err != nil {
		s.logger.Error("response dropped", zap.Error(err))
		wire = &codec.Response{Result: result.ResultInternal.Value()}
	}
	codec.WriteResponse(buf, domain, wire)
}

// status converts a handler error into the code sent to the client.
func (s *Server) status(svc *Service, id uint32, err error) result.Code {
	var code result.Code
	if errors.As(err, &code) {
		return code
	}
	s.logger.Error("command handler failed",
		zap.String("service", svc.Name()),
		zap.Uint32("request_id", id),
		zap.Error(err))
	return result.ResultInternal
}

// Serve listens on address and serves bridge connections until Shutdown.
// When reg is non-nil every registered service is published under
// advertiseAddr, which unlike a listen address like ":7440" must be routable.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.mu.Lock()
	s.listener = listener
	s.registry = reg
	s.advertiseAddr = advertiseAddr
	ports := make(map[string]message.Handle, len(s.ports))
	for name, h := range s.ports {
		ports[name] = h
	}
	s.mu.Unlock()

	if reg != nil {
		for name, h := range ports {
			ep := registry.Endpoint{Service: name, Addr: advertiseAddr, Handle: uint32(h), Weight: 1}
			if err := reg.Register(context.Background(), ep, s.registerTTL); err != nil {
				s.logger.Warn("service registration failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	var g errgroup.Group
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails on purpose once Shutdown closed the listener.
			if s.shutdown.Load() {
				return g.Wait()
			}
			s.closeConns()
			g.Wait()
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		g.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

// handleConn reads frames sequentially and handles each request in its own
// goroutine. Responses share writeMu so frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Debug("bridge connection opened", zap.Stringer("remote", conn.RemoteAddr()))

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.DecodeFrame(conn)
		if err != nil {
			s.logger.Debug("bridge connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			return
		}
		switch header.Type {
		case protocol.FrameTypeHeartbeat:
			continue
		case protocol.FrameTypeRequest:
		default:
			s.logger.Warn("unexpected frame from client", zap.Uint8("type", uint8(header.Type)))
			continue
		}

		// Shutdown waits on wg; a frame read after it started is dropped.
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			s.logger.Debug("frame dropped during shutdown", zap.Uint32("seq", header.Seq))
			continue
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleFrame(conn, writeMu, header, body)
	}
}

func (s *Server) handleFrame(conn net.Conn, writeMu *sync.Mutex, header *protocol.FrameHeader, body []byte) {
	defer s.wg.Done()

	buf := protocol.NewBuffer()
	err := buf.Load(body)
	if err == nil {
		err = s.HandleSyncRequest(context.Background(), message.Handle(header.Handle), buf)
	}

	reply := protocol.FrameHeader{Type: protocol.FrameTypeResponse, Seq: header.Seq, Handle: header.Handle}
	out := buf.Bytes()
	if err != nil {
		var code result.Code
		if !errors.As(err, &code) {
			s.logger.Warn("request failed", zap.Uint32("handle", header.Handle), zap.Error(err))
			code = result.ResultInternal
		}
		reply.Type = protocol.FrameTypeError
		out = binary.LittleEndian.AppendUint32(nil, code.Value())
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.EncodeFrame(conn, &reply, out); err != nil {
		s.logger.Warn("write reply failed", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Shutdown stops serving:
//  1. deregister every service so clients stop dialing this emulator
//  2. close the listener
//  3. wait up to timeout for in-flight requests
//  4. close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, addr, listener := s.registry, s.advertiseAddr, s.listener
	names := make([]string, 0, len(s.ports))
	for name := range s.ports {
		names = append(names, name)
	}
	s.mu.Unlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(context.Background(), name, addr); err != nil {
				s.logger.Warn("service deregistration failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	// The flag must be set before closing, or Serve reports the Accept error.
	// Setting it under mu orders it against handleConn's wg.Add.
	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.closeConns()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight requests")
	}
}

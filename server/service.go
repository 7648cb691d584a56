package server

import (
	"context"
	"fmt"
	"sort"

	"nx-ipc/codec"
	"nx-ipc/message"
	"nx-ipc/protocol"
)

// CommandHandler services one request id of an object. Returning a
// result.Code reports that status to the client; any other error is logged
// and reported as result.ResultInternal.
type CommandHandler func(ctx context.Context, req *Request, resp *Response) error

// Service is the command table of an emulated object. The same Service can
// back any number of sessions and domain objects.
type Service struct {
	name     string
	commands map[uint32]CommandHandler
}

// NewService returns an empty command table named name.
func NewService(name string) *Service {
	return &Service{name: name, commands: make(map[uint32]CommandHandler)}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Handle registers h for request id and returns s for chaining.
// Registering the same id twice is a programming error.
func (s *Service) Handle(id uint32, h CommandHandler) *Service {
	if _, dup := s.commands[id]; dup {
		panic(fmt.Sprintf("server: %s: command %d registered twice", s.name, id))
	}
	s.commands[id] = h
	return s
}

// Commands returns the registered request ids in ascending order.
func (s *Service) Commands() []uint32 {
	ids := make([]uint32, 0, len(s.commands))
	for id := range s.commands {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Request is one decoded request delivered to a CommandHandler.
type Request struct {
	ID      uint32
	Handle  message.Handle
	Session message.Session
	Token   uint32

	// ProcessID is stamped by the emulated kernel when SendProcessID is set.
	SendProcessID bool
	ProcessID     uint64

	CopyHandles     []message.Handle
	MoveHandles     []message.Handle
	Objects         []uint32
	SendStatics     []protocol.SendStaticDescriptor
	SendBuffers     []protocol.BufferDescriptor
	ReceiveBuffers  []protocol.BufferDescriptor
	ExchangeBuffers []protocol.BufferDescriptor

	// Data is a copy of the payload. On non-domain sessions the size is not
	// on the wire, so it runs to the end of the data words.
	Data []byte

	open func(*Service) (uint32, error)
}

// Open creates a new object backed by svc and appends it to resp: a domain
// object id when the request arrived on a domain, a session handle moved to
// the client otherwise. It returns the id or handle the client will see.
func (r *Request) Open(svc *Service) (uint32, error) {
	return r.open(svc)
}

// Response is what a CommandHandler writes back.
type Response struct {
	Data        []byte
	CopyHandles []message.Handle
	MoveHandles []message.Handle
	Objects     []uint32
}

func (r *Response) wire(status uint32) *codec.Response {
	return &codec.Response{
		Result:      status,
		CopyHandles: r.CopyHandles,
		MoveHandles: r.MoveHandles,
		Data:        r.Data,
		Objects:     r.Objects,
	}
}

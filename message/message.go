// Package message defines the parameters exchanged for a single IPC command.
//
// A caller fills InParams, hands them with a Session to one of the codec write
// functions, lets the transport perform the round trip, then reads OutParams
// with the matching codec read function. Both are built fresh per call.
package message

import (
	"errors"
	"fmt"

	"nx-ipc/protocol"
)

// Handle is a kernel handle value.
type Handle uint32

// Capacities of a single command. Exceeding them is a caller bug.
const (
	MaxHandles      = 8
	MaxBuffers      = 8
	MaxObjects      = 8
	MaxPointerSizes = 8
)

// ErrCapacity is returned by InParams.Validate when a section exceeds its capacity.
var ErrCapacity = errors.New("message: in params exceed command capacity")

// Session identifies the endpoint of a command. ObjectID is meaningful only
// for domain sessions, where it selects one of the virtual objects multiplexed
// over the session handle.
type Session struct {
	ObjectID uint32
	IsDomain bool
}

// NonDomain returns a plain session descriptor.
func NonDomain() Session {
	return Session{}
}

// Domain returns a descriptor addressing objectID inside a domain.
func Domain(objectID uint32) Session {
	return Session{ObjectID: objectID, IsDomain: true}
}

func (s Session) String() string {
	if s.IsDomain {
		return fmt.Sprintf("domain(%#x)", s.ObjectID)
	}
	return "session"
}

// InParams is everything the caller sends with one command.
//
//   - CopyHandles are duplicated into the receiver, MoveHandles are transferred.
//   - Data is the payload, copied to DataOffset by the codec.
//   - Objects are domain object ids appended after the payload (domain only).
//
// The *Offset fields are filled in by the codec write functions and are byte
// offsets from the start of the buffer.
type InParams struct {
	SendProcessID   bool
	CopyHandles     []Handle
	MoveHandles     []Handle
	SendStatics     []protocol.SendStaticDescriptor
	SendBuffers     []protocol.BufferDescriptor
	ReceiveBuffers  []protocol.BufferDescriptor
	ExchangeBuffers []protocol.BufferDescriptor
	ReceiveStatics  []protocol.ReceiveStaticDescriptor
	OutPointerSizes []uint16
	Data            []byte
	Objects         []uint32

	DataWordsOffset    int
	DataOffset         int
	ObjectsOffset      int
	PointerSizesOffset int
}

// DataSize returns the payload size in bytes.
func (p *InParams) DataSize() int {
	return len(p.Data)
}

// HasSpecialHeader reports whether the command needs a special header.
func (p *InParams) HasSpecialHeader() bool {
	return p.SendProcessID || len(p.CopyHandles) > 0 || len(p.MoveHandles) > 0
}

// Validate checks every section against its capacity. The codecs panic on
// the same conditions; Validate lets callers turn them into errors first.
func (p *InParams) Validate() error {
	checks := []struct {
		name string
		n    int
		max  int
	}{
		{"copy handles", len(p.CopyHandles), MaxHandles},
		{"move handles", len(p.MoveHandles), MaxHandles},
		{"send statics", len(p.SendStatics), MaxBuffers},
		{"send buffers", len(p.SendBuffers), MaxBuffers},
		{"receive buffers", len(p.ReceiveBuffers), MaxBuffers},
		{"exchange buffers", len(p.ExchangeBuffers), MaxBuffers},
		{"receive statics", len(p.ReceiveStatics), MaxBuffers},
		{"out pointer sizes", len(p.OutPointerSizes), MaxPointerSizes},
		{"objects", len(p.Objects), MaxObjects},
	}
	for _, c := range checks {
		if c.n > c.max {
			return fmt.Errorf("%w: %d %s, at most %d", ErrCapacity, c.n, c.name, c.max)
		}
	}
	if n := p.sizeBound(); n > protocol.BufferSize {
		return fmt.Errorf("%w: command needs up to %d bytes, buffer holds %d", ErrCapacity, n, protocol.BufferSize)
	}
	return nil
}

// sizeBound is the largest encoding of p over every command kind: both
// optional headers, full alignment slack and the pointer-size table.
func (p *InParams) sizeBound() int {
	n := protocol.CommandHeaderSize
	if p.HasSpecialHeader() {
		n += protocol.SpecialHeaderSize + protocol.ProcessIDSize
		n += protocol.HandleSize * (len(p.CopyHandles) + len(p.MoveHandles))
	}
	n += protocol.SendStaticDescriptorSize * len(p.SendStatics)
	n += protocol.BufferDescriptorSize * (len(p.SendBuffers) + len(p.ReceiveBuffers) + len(p.ExchangeBuffers))
	n += 16 + protocol.DomainInHeaderSize + protocol.DataHeaderSize + len(p.Data)
	n += protocol.DomainObjectIDSize*len(p.Objects) + 7
	n += protocol.PointerSizeEntrySize*len(p.OutPointerSizes) + 3
	n += protocol.ReceiveStaticDescriptorSize * len(p.ReceiveStatics)
	return n
}

// OutParams is everything read back from a response.
//
// DataSize is set by the caller before reading: it is the payload size the
// caller expects, and locates the domain object ids that follow the payload.
// Result holds the remote status once a well-formed data header was read.
type OutParams struct {
	ProcessID   uint64
	CopyHandles []Handle
	MoveHandles []Handle
	Objects     []uint32
	DataSize    int
	Result      uint32

	DataWordsOffset int
	DataWordCount   int
	DataOffset      int
}

// Payload returns the DataSize bytes at DataOffset, clipped to the buffer.
// The slice aliases buf.
func (p *OutParams) Payload(buf *protocol.Buffer) []byte {
	start := min(max(p.DataOffset, 0), protocol.BufferSize)
	end := min(start+max(p.DataSize, 0), protocol.BufferSize)
	return buf.Bytes()[start:end]
}

// Package codec marshals commands into the IPC buffer and parses responses.
//
// Every command kind shares the raw layer (WriteCommand/ReadCommandResponse),
// which lays out the command header, special header, handles and buffer
// descriptors. The kind-specific codecs build the data words on top of it:
//
//	Request:  [domain in header] [data header] payload [domain objects] ... pointer sizes
//	Control:  data header payload
//	Close:    no data words
//
// Write functions cannot fail: capacity violations are caller bugs and panic.
// Read functions return ErrInvalidOutDataHeaderMagic or protocol.ErrShortBuffer
// for malformed responses, and a result.Code for a non-zero remote status.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOutDataHeaderMagic reports a response whose data header does not
	// carry the response magic. Nothing else in the buffer is trusted.
	ErrInvalidOutDataHeaderMagic = errors.New("codec: invalid out data header magic")
	// ErrObjectsOutOfRange reports a domain response whose object ids would lie
	// outside the buffer.
	ErrObjectsOutOfRange = errors.New("codec: domain objects outside ipc buffer")
)

// padding is added to every data section so the data header can be moved to
// the next 16-byte boundary without leaving the reserved words.
const padding = 16

const (
	dataAlign         = 16
	pointerSizesAlign = 8
)

// ControlRequestID selects a session-management operation.
type ControlRequestID uint32

const (
	ConvertCurrentObjectToDomain ControlRequestID = 0
	CopyFromCurrentDomain        ControlRequestID = 1
	CloneCurrentObject           ControlRequestID = 2
	QueryPointerBufferSize       ControlRequestID = 3
	CloneCurrentObjectEx         ControlRequestID = 4
)

func (id ControlRequestID) String() string {
	switch id {
	case ConvertCurrentObjectToDomain:
		return "ConvertCurrentObjectToDomain"
	case CopyFromCurrentDomain:
		return "CopyFromCurrentDomain"
	case CloneCurrentObject:
		return "CloneCurrentObject"
	case QueryPointerBufferSize:
		return "QueryPointerBufferSize"
	case CloneCurrentObjectEx:
		return "CloneCurrentObjectEx"
	default:
		return fmt.Sprintf("ControlRequestID(%d)", uint32(id))
	}
}

// RequestID returns a pointer to id, for the optional request id of WriteRequest.
func RequestID(id uint32) *uint32 {
	return &id
}

package codec

import (
	"fmt"

	"nx-ipc/message"
	"nx-ipc/protocol"
)

// Response is what a service writes back for a request or control command.
type Response struct {
	Result        uint32
	SendProcessID bool
	ProcessID     uint64
	CopyHandles   []message.Handle
	MoveHandles   []message.Handle
	Data          []byte
	Objects       []uint32
}

// WriteResponse marshals resp in the layout ReadRequestResponse and
// ReadControlResponse expect. domain adds the domain out header and appends
// resp.Objects after the payload; control responses are never domain.
// It panics if resp does not fit the buffer; Validate reports that first.
func WriteResponse(buf *protocol.Buffer, domain bool, resp *Response) {
	dataSize := resp.dataSize(domain)
	hasSpecialHeader := resp.hasSpecialHeader()
	dataWordCount := (dataSize + 3) / 4

	buf.Reset()
	w := buf.Writer(0)
	protocol.CommandHeader{
		Type:             protocol.CommandTypeInvalid,
		DataWordCount:    dataWordCount,
		HasSpecialHeader: hasSpecialHeader,
	}.Encode(w)
	if hasSpecialHeader {
		protocol.SpecialHeader{
			SendProcessID:   resp.SendProcessID,
			CopyHandleCount: len(resp.CopyHandles),
			MoveHandleCount: len(resp.MoveHandles),
		}.Encode(w)
		if resp.SendProcessID {
			w.PutUint64(resp.ProcessID)
		}
		writeHandles(w, resp.CopyHandles)
		writeHandles(w, resp.MoveHandles)
	}

	w = buf.Writer(protocol.AlignUp(w.Offset(), dataAlign))
	if domain {
		protocol.DomainOutHeader{ObjectCount: uint32(len(resp.Objects))}.Encode(w)
	}
	protocol.DataHeader{Magic: protocol.OutDataHeaderMagic, Value: resp.Result}.Encode(w)
	w.PutBytes(resp.Data)
	if domain {
		for _, id := range resp.Objects {
			w.PutUint32(id)
		}
	}
}

// Validate reports a response WriteResponse could not marshal: more handles
// or objects than one command carries, or sections that overflow the buffer.
// The error wraps message.ErrCapacity. Objects only count for domain responses.
func (r *Response) Validate(domain bool) error {
	checks := []struct {
		name string
		n    int
		max  int
	}{
		{"copy handles", len(r.CopyHandles), message.MaxHandles},
		{"move handles", len(r.MoveHandles), message.MaxHandles},
		{"objects", len(r.Objects), message.MaxObjects},
	}
	for _, c := range checks {
		if c.n > c.max {
			return fmt.Errorf("%w: response has %d %s, at most %d", message.ErrCapacity, c.n, c.name, c.max)
		}
	}

	prefix := protocol.CommandHeaderSize
	if r.hasSpecialHeader() {
		prefix += protocol.SpecialHeaderSize + protocol.HandleSize*(len(r.CopyHandles)+len(r.MoveHandles))
		if r.SendProcessID {
			prefix += protocol.ProcessIDSize
		}
	}
	if n := prefix + 4*((r.dataSize(domain)+3)/4); n > protocol.BufferSize {
		return fmt.Errorf("%w: response needs %d bytes, buffer holds %d", message.ErrCapacity, n, protocol.BufferSize)
	}
	return nil
}

func (r *Response) dataSize(domain bool) int {
	n := padding + protocol.DataHeaderSize + len(r.Data)
	if domain {
		n += protocol.DomainOutHeaderSize + protocol.DomainObjectIDSize*len(r.Objects)
	}
	return n
}

func (r *Response) hasSpecialHeader() bool {
	return r.SendProcessID || len(r.CopyHandles) > 0 || len(r.MoveHandles) > 0
}

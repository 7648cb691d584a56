package codec

import (
	"nx-ipc/message"
	"nx-ipc/protocol"
)

// WriteCommand lays out the common prefix of a command of the given kind and
// reserves ⌈dataSize/4⌉ data words after the buffer descriptors. The offset of
// the reserved words is published in in.DataWordsOffset; their contents are
// zeroed and left to the caller.
func WriteCommand(buf *protocol.Buffer, kind protocol.CommandType, in *message.InParams, dataSize int) {
	hasSpecialHeader := in.HasSpecialHeader()
	dataWordCount := (dataSize + 3) / 4

	w := buf.Writer(0)
	protocol.CommandHeader{
		Type:                kind,
		SendStaticCount:     len(in.SendStatics),
		SendBufferCount:     len(in.SendBuffers),
		ReceiveBufferCount:  len(in.ReceiveBuffers),
		ExchangeBufferCount: len(in.ExchangeBuffers),
		DataWordCount:       dataWordCount,
		ReceiveStaticCount:  len(in.ReceiveStatics),
		HasSpecialHeader:    hasSpecialHeader,
	}.Encode(w)

	if hasSpecialHeader {
		protocol.SpecialHeader{
			SendProcessID:   in.SendProcessID,
			CopyHandleCount: len(in.CopyHandles),
			MoveHandleCount: len(in.MoveHandles),
		}.Encode(w)

		// The kernel stamps the process id into this slot.
		if in.SendProcessID {
			w.Skip(protocol.ProcessIDSize)
		}
		writeHandles(w, in.CopyHandles)
		writeHandles(w, in.MoveHandles)
	}

	for _, d := range in.SendStatics {
		d.Encode(w)
	}
	for _, d := range in.SendBuffers {
		d.Encode(w)
	}
	for _, d := range in.ReceiveBuffers {
		d.Encode(w)
	}
	for _, d := range in.ExchangeBuffers {
		d.Encode(w)
	}

	in.DataWordsOffset = w.Offset()
	w.Skip(4 * dataWordCount)

	for _, d := range in.ReceiveStatics {
		d.Encode(w)
	}
}

// DataWordsOffset returns where WriteCommand will place the data words for in:
// after the command header, the special header block and the descriptors.
func DataWordsOffset(in *message.InParams) int {
	offset := protocol.CommandHeaderSize
	if in.HasSpecialHeader() {
		offset += protocol.SpecialHeaderSize
		if in.SendProcessID {
			offset += protocol.ProcessIDSize
		}
		offset += protocol.HandleSize * (len(in.CopyHandles) + len(in.MoveHandles))
	}
	offset += protocol.SendStaticDescriptorSize * len(in.SendStatics)
	offset += protocol.BufferDescriptorSize * (len(in.SendBuffers) + len(in.ReceiveBuffers) + len(in.ExchangeBuffers))
	return offset
}

// ReadCommandResponse parses the common prefix of a response: handles and the
// process id go to out, and the start of the data words is recorded in
// out.DataWordsOffset for the kind-specific reader. It does not look at any
// magic; the only failure is a header that points past the buffer. The
// kind-specific readers run it on a copy of out and publish the copy once the
// magic checks out.
func ReadCommandResponse(buf *protocol.Buffer, out *message.OutParams) error {
	r := buf.Reader(0)
	header := protocol.DecodeCommandHeader(r)

	var special protocol.SpecialHeader
	out.ProcessID = 0
	if header.HasSpecialHeader {
		special = protocol.DecodeSpecialHeader(r)
		if special.SendProcessID {
			out.ProcessID = r.Uint64()
		}
	}

	out.CopyHandles = readHandles(r, special.CopyHandleCount)
	out.MoveHandles = readHandles(r, special.MoveHandleCount)

	r.Skip(protocol.SendStaticDescriptorSize * header.SendStaticCount)
	out.DataWordsOffset = r.Offset()
	out.DataWordCount = header.DataWordCount
	return r.Err()
}

func writeHandles(w *protocol.Writer, handles []message.Handle) {
	for _, h := range handles {
		w.PutUint32(uint32(h))
	}
}

func readHandles(r *protocol.Reader, n int) []message.Handle {
	if n == 0 {
		return nil
	}
	handles := make([]message.Handle, n)
	for i := range handles {
		handles[i] = message.Handle(r.Uint32())
	}
	return handles
}

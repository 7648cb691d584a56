package codec

import (
	"nx-ipc/message"
	"nx-ipc/protocol"
)

// WriteControl marshals a session-management request. Control commands are
// never domain-addressed and always carry a data header holding id.
func WriteControl(buf *protocol.Buffer, in *message.InParams, id ControlRequestID) {
	dataSize := padding + protocol.DataHeaderSize + in.DataSize()
	WriteCommand(buf, protocol.CommandTypeControl, in, dataSize)

	w := buf.Writer(protocol.AlignUp(in.DataWordsOffset, dataAlign))
	protocol.DataHeader{Magic: protocol.InDataHeaderMagic, Value: uint32(id)}.Encode(w)

	in.DataOffset = w.Offset()
	in.ObjectsOffset = 0
	in.PointerSizesOffset = 0
	w.PutBytes(in.Data)
}

// ReadControlResponse parses the response to a control command. out is left
// untouched unless the data header magic is valid.
func ReadControlResponse(buf *protocol.Buffer, out *message.OutParams) error {
	staged := *out
	if err := ReadCommandResponse(buf, &staged); err != nil {
		return err
	}

	r := buf.Reader(protocol.AlignUp(staged.DataWordsOffset, dataAlign))
	header, err := readDataHeader(r)
	if err != nil {
		return err
	}
	staged.Objects = nil
	*out = staged
	return finish(r, header, out)
}

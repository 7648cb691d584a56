package codec

import (
	"nx-ipc/message"
	"nx-ipc/protocol"
	"nx-ipc/result"
)

// WriteRequest marshals a service request for session.
//
// requestID is optional: a nil id omits the data header, which is how a
// domain object is closed. domainKind is only written for domain sessions.
// On return in.DataOffset points at the copied payload, in.PointerSizesOffset
// at the pointer-size table and, for domains, in.ObjectsOffset at the object
// ids following the payload.
func WriteRequest(buf *protocol.Buffer, session message.Session, in *message.InParams, requestID *uint32, domainKind protocol.DomainCommandType) {
	// Step 1: size the data section
	dataSize := padding + in.DataSize()
	if requestID != nil {
		dataSize += protocol.DataHeaderSize
	}
	if session.IsDomain {
		dataSize += protocol.DomainInHeaderSize + protocol.DomainObjectIDSize*len(in.Objects)
	}
	// the table starts on an absolute 8-byte boundary in the buffer
	dataWordsOffset := DataWordsOffset(in)
	dataSize = protocol.AlignUp(dataWordsOffset+dataSize, pointerSizesAlign) - dataWordsOffset
	pointerSizesOffset := dataSize
	dataSize += protocol.PointerSizeEntrySize * len(in.OutPointerSizes)

	// Step 2: common prefix
	WriteCommand(buf, protocol.CommandTypeRequest, in, dataSize)

	// Step 3: pointer-size table at the end of the data section
	in.PointerSizesOffset = in.DataWordsOffset + pointerSizesOffset
	w := buf.Writer(in.PointerSizesOffset)
	for _, size := range in.OutPointerSizes {
		w.PutUint16(size)
	}

	w = buf.Writer(protocol.AlignUp(in.DataWordsOffset, dataAlign))

	// Step 4: domain header addressing the target object
	in.ObjectsOffset = 0
	if session.IsDomain {
		leftDataSize := protocol.DataHeaderSize + in.DataSize()
		protocol.DomainInHeader{
			Type:        domainKind,
			ObjectCount: uint8(len(in.Objects)),
			DataSize:    uint16(leftDataSize),
			ObjectID:    session.ObjectID,
		}.Encode(w)
		in.ObjectsOffset = w.Offset() + leftDataSize
	}

	// Step 5: data header
	if requestID != nil {
		protocol.DataHeader{Magic: protocol.InDataHeaderMagic, Value: *requestID}.Encode(w)
	}

	// Step 6: payload and trailing domain objects
	in.DataOffset = w.Offset()
	w.PutBytes(in.Data)
	if session.IsDomain && len(in.Objects) > 0 {
		w = buf.Writer(in.ObjectsOffset)
		for _, id := range in.Objects {
			w.PutUint32(id)
		}
	}
}

// ReadRequestResponse parses the response to a request sent with WriteRequest.
//
// For domain sessions out.DataSize must hold the expected payload size: the
// returned object ids are located right after it. A non-zero remote status is
// stored in out.Result and returned as a result.Code. On any other error out is
// left untouched.
func ReadRequestResponse(buf *protocol.Buffer, session message.Session, out *message.OutParams) error {
	staged := *out
	if err := ReadCommandResponse(buf, &staged); err != nil {
		return err
	}

	r := buf.Reader(protocol.AlignUp(staged.DataWordsOffset, dataAlign))
	var domainHeader protocol.DomainOutHeader
	if session.IsDomain {
		domainHeader = protocol.DecodeDomainOutHeader(r)
	}
	headerOffset := r.Offset()

	header, err := readDataHeader(r)
	if err != nil {
		return err
	}

	staged.Objects = nil
	if session.IsDomain {
		objects, err := readObjects(buf, headerOffset+protocol.DataHeaderSize+staged.DataSize, domainHeader.ObjectCount)
		if err != nil {
			return err
		}
		staged.Objects = objects
	}

	*out = staged
	return finish(r, header, out)
}

// readDataHeader reads a response data header and checks its magic.
func readDataHeader(r *protocol.Reader) (protocol.DataHeader, error) {
	header := protocol.DecodeDataHeader(r)
	if err := r.Err(); err != nil {
		return header, err
	}
	if header.Magic != protocol.OutDataHeaderMagic {
		return header, ErrInvalidOutDataHeaderMagic
	}
	return header, nil
}

// finish propagates the remote status and publishes the payload offset.
func finish(r *protocol.Reader, header protocol.DataHeader, out *message.OutParams) error {
	out.Result = header.Value
	if err := result.FromValue(header.Value); err != nil {
		return err
	}
	out.DataOffset = r.Offset()
	return nil
}

func readObjects(buf *protocol.Buffer, offset int, count uint32) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	if count > message.MaxObjects || offset < 0 || offset+protocol.DomainObjectIDSize*int(count) > protocol.BufferSize {
		return nil, ErrObjectsOutOfRange
	}
	r := buf.Reader(offset)
	objects := make([]uint32, count)
	for i := range objects {
		objects[i] = r.Uint32()
	}
	return objects, r.Err()
}

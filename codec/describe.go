package codec

import (
	"encoding/binary"
	"fmt"

	"nx-ipc/message"
	"nx-ipc/protocol"
)

// Direction tells Describe which side produced a buffer.
type Direction int

const (
	// DirectionIn is a command written by a client.
	DirectionIn Direction = iota
	// DirectionOut is a response written by a service.
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// Description is a structural decode of a whole buffer. Unlike the read
// functions it does not stop at a bad magic: it reports what is there.
type Description struct {
	Kind            protocol.CommandType               `yaml:"kind"`
	Direction       string                             `yaml:"direction"`
	DataWordCount   int                                `yaml:"data_words"`
	DataWordsOffset int                                `yaml:"data_words_offset"`
	SendProcessID   bool                               `yaml:"send_pid,omitempty"`
	ProcessID       uint64                             `yaml:"pid,omitempty"`
	CopyHandles     []message.Handle                   `yaml:"copy_handles,omitempty"`
	MoveHandles     []message.Handle                   `yaml:"move_handles,omitempty"`
	SendStatics     []protocol.SendStaticDescriptor    `yaml:"send_statics,omitempty"`
	SendBuffers     []protocol.BufferDescriptor        `yaml:"send_buffers,omitempty"`
	ReceiveBuffers  []protocol.BufferDescriptor        `yaml:"receive_buffers,omitempty"`
	ExchangeBuffers []protocol.BufferDescriptor        `yaml:"exchange_buffers,omitempty"`
	ReceiveStatics  []protocol.ReceiveStaticDescriptor `yaml:"receive_statics,omitempty"`

	DomainIn  *protocol.DomainInHeader  `yaml:"domain_in,omitempty"`
	DomainOut *protocol.DomainOutHeader `yaml:"domain_out,omitempty"`
	Objects   []uint32                  `yaml:"objects,omitempty"`

	DataHeader *protocol.DataHeader `yaml:"data_header,omitempty"`
	MagicValid bool                 `yaml:"magic_valid"`

	// PayloadOffset is where the payload starts. PayloadSize is exact for
	// domain requests and the bytes left in the data words otherwise.
	PayloadOffset int `yaml:"payload_offset"`
	PayloadSize   int `yaml:"payload_size"`
}

// MagicString renders a magic value as its four ASCII bytes.
func MagicString(magic uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], magic)
	return string(b[:])
}

// Describe decodes every section of buf. domain selects whether the data
// words carry a domain header. The only error is a layout that points past
// the end of the buffer.
//
// A domain response does not record its payload size, so outDataSize plays
// the role of OutParams.DataSize: the returned object ids follow that many
// payload bytes. A negative outDataSize leaves them undecoded. It is ignored
// for every other buffer.
func Describe(buf *protocol.Buffer, dir Direction, domain bool, outDataSize int) (*Description, error) {
	r := buf.Reader(0)
	header := protocol.DecodeCommandHeader(r)
	d := &Description{
		Kind:          header.Type,
		Direction:     dir.String(),
		DataWordCount: header.DataWordCount,
	}

	var special protocol.SpecialHeader
	if header.HasSpecialHeader {
		special = protocol.DecodeSpecialHeader(r)
		d.SendProcessID = special.SendProcessID
		if special.SendProcessID {
			d.ProcessID = r.Uint64()
		}
	}
	d.CopyHandles = readHandles(r, special.CopyHandleCount)
	d.MoveHandles = readHandles(r, special.MoveHandleCount)

	for range header.SendStaticCount {
		d.SendStatics = append(d.SendStatics, protocol.DecodeSendStaticDescriptor(r))
	}
	for range header.SendBufferCount {
		d.SendBuffers = append(d.SendBuffers, protocol.DecodeBufferDescriptor(r))
	}
	for range header.ReceiveBufferCount {
		d.ReceiveBuffers = append(d.ReceiveBuffers, protocol.DecodeBufferDescriptor(r))
	}
	for range header.ExchangeBufferCount {
		d.ExchangeBuffers = append(d.ExchangeBuffers, protocol.DecodeBufferDescriptor(r))
	}
	d.DataWordsOffset = r.Offset()
	dataEnd := d.DataWordsOffset + 4*header.DataWordCount
	r.Skip(4 * header.DataWordCount)
	for range header.ReceiveStaticCount {
		d.ReceiveStatics = append(d.ReceiveStatics, protocol.DecodeReceiveStaticDescriptor(r))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("describe %s command: %w", header.Type, err)
	}

	if header.DataWordCount == 0 {
		return d, nil
	}

	r = buf.Reader(protocol.AlignUp(d.DataWordsOffset, dataAlign))
	hasDataHeader := true
	switch {
	case domain && dir == DirectionIn:
		h := protocol.DecodeDomainInHeader(r)
		d.DomainIn = &h
		hasDataHeader = h.Type != protocol.DomainCommandTypeClose
	case domain:
		h := protocol.DecodeDomainOutHeader(r)
		d.DomainOut = &h
	}
	headerOffset := r.Offset()

	if hasDataHeader {
		h := protocol.DecodeDataHeader(r)
		d.DataHeader = &h
		want := protocol.InDataHeaderMagic
		if dir == DirectionOut {
			want = protocol.OutDataHeaderMagic
		}
		d.MagicValid = h.Magic == want
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("describe %s data words: %w", header.Type, err)
	}

	d.PayloadOffset = r.Offset()
	d.PayloadSize = max(dataEnd-d.PayloadOffset, 0)
	if d.DomainIn != nil && d.DomainIn.Type != protocol.DomainCommandTypeClose {
		d.PayloadSize = max(int(d.DomainIn.DataSize)-protocol.DataHeaderSize, 0)
		objects, err := readObjects(buf, headerOffset+int(d.DomainIn.DataSize), uint32(d.DomainIn.ObjectCount))
		if err != nil {
			return nil, err
		}
		d.Objects = objects
	}
	if d.DomainOut != nil && outDataSize >= 0 {
		d.PayloadSize = outDataSize
		objects, err := readObjects(buf, d.PayloadOffset+outDataSize, d.DomainOut.ObjectCount)
		if err != nil {
			return nil, err
		}
		d.Objects = objects
	}
	return d, nil
}

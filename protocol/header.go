// Package protocol implements the fixed binary layout of the IPC message buffer.
//
// Every command starts with the same prefix. Optional and variable-length
// sections follow in a fixed order, and the data words section carries the
// kind-specific headers and payload:
//
//	0        8        12       20
//	┌────────┬────────┬────────┬─────────┬─────────┬──────────────────┬───────────┬─────────────┐
//	│command │special │  pid   │ copy +  │ statics │ send/recv/exch   │ data words│ recv statics│
//	│ header │ header │ (opt)  │ move hdl│ 8B each │ buffers 12B each │ 4B each   │ 8B each     │
//	└────────┴────────┴────────┴─────────┴─────────┴──────────────────┴───────────┴─────────────┘
//	          └──── present iff pid or handles ────┘
//
// Inside the data words, the first 16-byte boundary of the buffer starts the
// domain header (domain sessions only) followed by the data header:
//
//	┌──────────────┬──────────────────────────────┬───────────┬──────────┬────────────────┐
//	│ align to 16  │ domain header (16B, domain)  │ data hdr  │ payload  │ domain objects │
//	└──────────────┴──────────────────────────────┴───────────┴──────────┴────────────────┘
//
// All fields are little-endian. Encoders take a Writer and decoders take a
// Reader over the same Buffer, so each record declares exactly the bytes it
// touches.
package protocol

import "fmt"

// CommandType is the kind tag stored in the low 16 bits of the command header.
type CommandType uint16

const (
	CommandTypeInvalid            CommandType = 0
	CommandTypeLegacyRequest      CommandType = 1
	CommandTypeClose              CommandType = 2
	CommandTypeLegacyControl      CommandType = 3
	CommandTypeRequest            CommandType = 4
	CommandTypeControl            CommandType = 5
	CommandTypeRequestWithContext CommandType = 6
	CommandTypeControlWithContext CommandType = 7
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeInvalid:
		return "Invalid"
	case CommandTypeLegacyRequest:
		return "LegacyRequest"
	case CommandTypeClose:
		return "Close"
	case CommandTypeLegacyControl:
		return "LegacyControl"
	case CommandTypeRequest:
		return "Request"
	case CommandTypeControl:
		return "Control"
	case CommandTypeRequestWithContext:
		return "RequestWithContext"
	case CommandTypeControlWithContext:
		return "ControlWithContext"
	default:
		return fmt.Sprintf("CommandType(%d)", uint16(t))
	}
}

// MarshalYAML renders t by name in dumps.
func (t CommandType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// DomainCommandType is the sub-command carried by a domain in header.
type DomainCommandType uint8

const (
	DomainCommandTypeInvalid     DomainCommandType = 0
	DomainCommandTypeSendMessage DomainCommandType = 1
	DomainCommandTypeClose       DomainCommandType = 2
)

func (t DomainCommandType) String() string {
	switch t {
	case DomainCommandTypeInvalid:
		return "Invalid"
	case DomainCommandTypeSendMessage:
		return "SendMessage"
	case DomainCommandTypeClose:
		return "Close"
	default:
		return fmt.Sprintf("DomainCommandType(%d)", uint8(t))
	}
}

// MarshalYAML renders t by name in dumps.
func (t DomainCommandType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// Data header magics: "SFCI" on requests, "SFCO" on responses.
const (
	InDataHeaderMagic  uint32 = 0x49434653
	OutDataHeaderMagic uint32 = 0x4F434653
)

// Record sizes in bytes.
const (
	CommandHeaderSize           = 8
	SpecialHeaderSize           = 4
	ProcessIDSize               = 8
	HandleSize                  = 4
	DataHeaderSize              = 16
	DomainInHeaderSize          = 16
	DomainOutHeaderSize         = 16
	DomainObjectIDSize          = 4
	PointerSizeEntrySize        = 2
	SendStaticDescriptorSize    = 8
	BufferDescriptorSize        = 12
	ReceiveStaticDescriptorSize = 8
)

// Field widths of the packed header words.
const (
	maxDescriptorCount = 1<<4 - 1
	maxHandleCount     = 1<<4 - 1
	maxDataWordCount   = 1<<10 - 1
	maxReceiveStatics  = maxDescriptorCount - 2
)

func checkField(name string, v, max int) {
	if v < 0 || v > max {
		panic(fmt.Sprintf("protocol: %s %d exceeds header field capacity %d", name, v, max))
	}
}

// CommandHeader is the two-word header every command starts with.
type CommandHeader struct {
	Type                CommandType
	SendStaticCount     int
	SendBufferCount     int
	ReceiveBufferCount  int
	ExchangeBufferCount int
	DataWordCount       int
	ReceiveStaticCount  int
	HasSpecialHeader    bool
}

// Encode packs h. Counts wider than their bit fields panic.
func (h CommandHeader) Encode(w *Writer) {
	checkField("send static count", h.SendStaticCount, maxDescriptorCount)
	checkField("send buffer count", h.SendBufferCount, maxDescriptorCount)
	checkField("receive buffer count", h.ReceiveBufferCount, maxDescriptorCount)
	checkField("exchange buffer count", h.ExchangeBufferCount, maxDescriptorCount)
	checkField("data word count", h.DataWordCount, maxDataWordCount)
	checkField("receive static count", h.ReceiveStaticCount, maxReceiveStatics)

	w.PutUint32(uint32(h.Type) |
		uint32(h.SendStaticCount)<<16 |
		uint32(h.SendBufferCount)<<20 |
		uint32(h.ReceiveBufferCount)<<24 |
		uint32(h.ExchangeBufferCount)<<28)

	var receiveStaticMode uint32
	if h.ReceiveStaticCount > 0 {
		receiveStaticMode = uint32(h.ReceiveStaticCount) + 2
	}
	word := uint32(h.DataWordCount) | receiveStaticMode<<10
	if h.HasSpecialHeader {
		word |= 1 << 31
	}
	w.PutUint32(word)
}

// DecodeCommandHeader unpacks a command header.
func DecodeCommandHeader(r *Reader) CommandHeader {
	w0 := r.Uint32()
	w1 := r.Uint32()

	receiveStaticCount := 0
	if mode := int(w1>>10) & 0xF; mode > 2 {
		receiveStaticCount = mode - 2
	}
	return CommandHeader{
		Type:                CommandType(w0 & 0xFFFF),
		SendStaticCount:     int(w0>>16) & 0xF,
		SendBufferCount:     int(w0>>20) & 0xF,
		ReceiveBufferCount:  int(w0>>24) & 0xF,
		ExchangeBufferCount: int(w0>>28) & 0xF,
		DataWordCount:       int(w1) & maxDataWordCount,
		ReceiveStaticCount:  receiveStaticCount,
		HasSpecialHeader:    w1>>31 != 0,
	}
}

// SpecialHeader carries the process id flag and the handle counts.
type SpecialHeader struct {
	SendProcessID   bool
	CopyHandleCount int
	MoveHandleCount int
}

// Encode packs h. Counts wider than their bit fields panic.
func (h SpecialHeader) Encode(w *Writer) {
	checkField("copy handle count", h.CopyHandleCount, maxHandleCount)
	checkField("move handle count", h.MoveHandleCount, maxHandleCount)

	var word uint32
	if h.SendProcessID {
		word = 1
	}
	word |= uint32(h.CopyHandleCount)<<1 | uint32(h.MoveHandleCount)<<5
	w.PutUint32(word)
}

// DecodeSpecialHeader unpacks a special header.
func DecodeSpecialHeader(r *Reader) SpecialHeader {
	word := r.Uint32()
	return SpecialHeader{
		SendProcessID:   word&1 != 0,
		CopyHandleCount: int(word>>1) & 0xF,
		MoveHandleCount: int(word>>5) & 0xF,
	}
}

// DataHeader starts the payload of request and control commands. Value is the
// request id on the way in and the result code on the way out.
type DataHeader struct {
	Magic   uint32
	Version uint32
	Value   uint32
	Token   uint32
}

// Encode writes h.
func (h DataHeader) Encode(w *Writer) {
	w.PutUint32(h.Magic)
	w.PutUint32(h.Version)
	w.PutUint32(h.Value)
	w.PutUint32(h.Token)
}

// DecodeDataHeader reads a data header.
func DecodeDataHeader(r *Reader) DataHeader {
	return DataHeader{
		Magic:   r.Uint32(),
		Version: r.Uint32(),
		Value:   r.Uint32(),
		Token:   r.Uint32(),
	}
}

// DomainInHeader addresses one virtual object of a domain session. DataSize
// counts the data header and payload that follow it.
type DomainInHeader struct {
	Type        DomainCommandType
	ObjectCount uint8
	DataSize    uint16
	ObjectID    uint32
	Token       uint32
}

// Encode writes h. The reserved word is written as zero.
func (h DomainInHeader) Encode(w *Writer) {
	w.PutUint8(uint8(h.Type))
	w.PutUint8(h.ObjectCount)
	w.PutUint16(h.DataSize)
	w.PutUint32(h.ObjectID)
	w.PutUint32(0)
	w.PutUint32(h.Token)
}

// DecodeDomainInHeader reads a domain in header.
func DecodeDomainInHeader(r *Reader) DomainInHeader {
	h := DomainInHeader{
		Type:        DomainCommandType(r.Uint8()),
		ObjectCount: r.Uint8(),
		DataSize:    r.Uint16(),
		ObjectID:    r.Uint32(),
	}
	r.Skip(4)
	h.Token = r.Uint32()
	return h
}

// DomainOutHeader reports how many object ids follow the response payload.
type DomainOutHeader struct {
	ObjectCount uint32
}

// Encode writes h followed by its 12 reserved bytes.
func (h DomainOutHeader) Encode(w *Writer) {
	w.PutUint32(h.ObjectCount)
	w.Skip(DomainOutHeaderSize - 4)
}

// DecodeDomainOutHeader reads a domain out header.
func DecodeDomainOutHeader(r *Reader) DomainOutHeader {
	h := DomainOutHeader{ObjectCount: r.Uint32()}
	r.Skip(DomainOutHeaderSize - 4)
	return h
}

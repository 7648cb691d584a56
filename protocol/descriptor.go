package protocol

import "fmt"

// BufferMode is the access-mode tag of a buffer descriptor.
type BufferMode uint8

const (
	BufferModeNormal    BufferMode = 0
	BufferModeNonSecure BufferMode = 1
	BufferModeInvalid   BufferMode = 2
	BufferModeNonDevice BufferMode = 3
)

func (m BufferMode) String() string {
	switch m {
	case BufferModeNormal:
		return "Normal"
	case BufferModeNonSecure:
		return "NonSecure"
	case BufferModeInvalid:
		return "Invalid"
	case BufferModeNonDevice:
		return "NonDevice"
	default:
		return fmt.Sprintf("BufferMode(%d)", uint8(m))
	}
}

// MarshalYAML renders m by name in dumps.
func (m BufferMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Address and size limits of the packed descriptors.
const (
	maxDescriptorAddress = 1<<39 - 1
	maxBufferSize        = 1<<36 - 1
	maxStaticSize        = 1<<16 - 1
	maxStaticIndex       = 1<<6 - 1
	maxReceiveStaticAddr = 1<<48 - 1
)

func checkDescriptor(kind string, address, size, maxSize, maxAddress uint64) {
	if address > maxAddress {
		panic(fmt.Sprintf("protocol: %s address %#x exceeds descriptor width", kind, address))
	}
	if size > maxSize {
		panic(fmt.Sprintf("protocol: %s size %#x exceeds descriptor width", kind, size))
	}
}

// SendStaticDescriptor describes a pointer-style input copied by the kernel
// into the receiver's static buffer with the given index.
type SendStaticDescriptor struct {
	Address uint64
	Size    uint16
	Index   uint8
}

// Encode packs d into two words.
func (d SendStaticDescriptor) Encode(w *Writer) {
	checkDescriptor("send static", d.Address, uint64(d.Size), maxStaticSize, maxDescriptorAddress)
	if d.Index > maxStaticIndex {
		panic(fmt.Sprintf("protocol: send static index %d exceeds descriptor width", d.Index))
	}
	w.PutUint32(uint32(d.Index) |
		uint32(d.Address>>36&0x7)<<6 |
		uint32(d.Address>>32&0xF)<<12 |
		uint32(d.Size)<<16)
	w.PutUint32(uint32(d.Address))
}

// DecodeSendStaticDescriptor unpacks a send static descriptor.
func DecodeSendStaticDescriptor(r *Reader) SendStaticDescriptor {
	w0 := r.Uint32()
	w1 := r.Uint32()
	return SendStaticDescriptor{
		Address: uint64(w1) | uint64(w0>>12&0xF)<<32 | uint64(w0>>6&0x7)<<36,
		Size:    uint16(w0 >> 16),
		Index:   uint8(w0 & 0x3F),
	}
}

// BufferDescriptor describes a send, receive or exchange buffer mapped into
// the receiver for the duration of one call.
type BufferDescriptor struct {
	Address uint64
	Size    uint64
	Mode    BufferMode
}

// Encode packs d into three words.
func (d BufferDescriptor) Encode(w *Writer) {
	checkDescriptor("buffer", d.Address, d.Size, maxBufferSize, maxDescriptorAddress)
	if d.Mode > BufferModeNonDevice {
		panic(fmt.Sprintf("protocol: buffer mode %d exceeds descriptor width", d.Mode))
	}
	w.PutUint32(uint32(d.Size))
	w.PutUint32(uint32(d.Address))
	w.PutUint32(uint32(d.Mode) |
		uint32(d.Address>>36&0x7)<<2 |
		uint32(d.Size>>32&0xF)<<24 |
		uint32(d.Address>>32&0xF)<<28)
}

// DecodeBufferDescriptor unpacks a buffer descriptor.
func DecodeBufferDescriptor(r *Reader) BufferDescriptor {
	sizeLow := r.Uint32()
	addressLow := r.Uint32()
	w2 := r.Uint32()
	return BufferDescriptor{
		Address: uint64(addressLow) | uint64(w2>>28&0xF)<<32 | uint64(w2>>2&0x7)<<36,
		Size:    uint64(sizeLow) | uint64(w2>>24&0xF)<<32,
		Mode:    BufferMode(w2 & 0x3),
	}
}

// ReceiveStaticDescriptor offers the receiver a region to write pointer-style
// outputs into.
type ReceiveStaticDescriptor struct {
	Address uint64
	Size    uint16
}

// Encode packs d into two words.
func (d ReceiveStaticDescriptor) Encode(w *Writer) {
	checkDescriptor("receive static", d.Address, uint64(d.Size), maxStaticSize, maxReceiveStaticAddr)
	w.PutUint32(uint32(d.Address))
	w.PutUint32(uint32(d.Address>>32&0xFFFF) | uint32(d.Size)<<16)
}

// DecodeReceiveStaticDescriptor unpacks a receive static descriptor.
func DecodeReceiveStaticDescriptor(r *Reader) ReceiveStaticDescriptor {
	w0 := r.Uint32()
	w1 := r.Uint32()
	return ReceiveStaticDescriptor{
		Address: uint64(w0) | uint64(w1&0xFFFF)<<32,
		Size:    uint16(w1 >> 16),
	}
}

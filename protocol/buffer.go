package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BufferSize is the size of the per-thread IPC message buffer shared with the kernel.
const BufferSize = 0x100

// ErrShortBuffer is returned when a decode step would read past the end of the buffer.
var ErrShortBuffer = errors.New("protocol: read beyond end of ipc buffer")

// byteOrder is the byte order of every field in the shared buffer.
var byteOrder = binary.LittleEndian

// Buffer is the fixed-size region a command is marshaled into before the
// transport hands it to the remote side, and from which the response is read.
//
// A Buffer is reused serially: one write, one round trip, one read. It must
// not be shared between concurrent callers.
type Buffer struct {
	data [BufferSize]byte
}

// NewBuffer returns a zeroed buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Bytes returns the whole region. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:]
}

// Reset zeroes the buffer.
func (b *Buffer) Reset() {
	b.data = [BufferSize]byte{}
}

// Load replaces the buffer contents with p. p may be shorter than BufferSize;
// the remainder is zeroed.
func (b *Buffer) Load(p []byte) error {
	if len(p) > BufferSize {
		return fmt.Errorf("protocol: %d bytes do not fit in a %d byte ipc buffer", len(p), BufferSize)
	}
	b.Reset()
	copy(b.data[:], p)
	return nil
}

// Writer returns a cursor positioned at off for encoding.
func (b *Buffer) Writer(off int) *Writer {
	if off < 0 || off > BufferSize {
		panic(fmt.Sprintf("protocol: writer offset %d outside ipc buffer", off))
	}
	return &Writer{buf: b, off: off}
}

// Reader returns a cursor positioned at off for decoding.
func (b *Buffer) Reader(off int) *Reader {
	r := &Reader{buf: b, off: off}
	if off < 0 || off > BufferSize {
		r.err = ErrShortBuffer
	}
	return r
}

// AlignUp rounds v up to the next multiple of align, which must be a power of two.
func AlignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

// Writer is an encoding cursor over a Buffer.
//
// Running past the end of the buffer is a programming error: the layout of
// every command is bounded by the fixed capacities in the message package, so
// a Writer panics instead of returning an error.
type Writer struct {
	buf *Buffer
	off int
}

// Offset returns the cursor position from the start of the buffer.
func (w *Writer) Offset() int {
	return w.off
}

func (w *Writer) take(n int) []byte {
	if n < 0 || w.off+n > BufferSize {
		panic(fmt.Sprintf("protocol: write of %d bytes at offset %d overflows ipc buffer", n, w.off))
	}
	p := w.buf.data[w.off : w.off+n]
	w.off += n
	return p
}

// Skip advances the cursor by n bytes, zeroing them.
func (w *Writer) Skip(n int) {
	clear(w.take(n))
}

// PutUint8 writes one byte.
func (w *Writer) PutUint8(v uint8) {
	w.take(1)[0] = v
}

// PutUint16 writes a little-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	byteOrder.PutUint16(w.take(2), v)
}

// PutUint32 writes a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	byteOrder.PutUint32(w.take(4), v)
}

// PutUint64 writes a little-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	byteOrder.PutUint64(w.take(8), v)
}

// PutBytes copies p verbatim.
func (w *Writer) PutBytes(p []byte) {
	copy(w.take(len(p)), p)
}

// Reader is a decoding cursor over a Buffer.
//
// Reader uses a sticky error: once a read runs past the end of the buffer every
// later read returns zero and Err reports ErrShortBuffer. Callers check Err once
// after a group of reads.
type Reader struct {
	buf *Buffer
	off int
	err error
}

// Offset returns the cursor position from the start of the buffer.
func (r *Reader) Offset() int {
	return r.off
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > BufferSize {
		r.err = ErrShortBuffer
		return nil
	}
	p := r.buf.data[r.off : r.off+n]
	r.off += n
	return p
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) {
	r.take(n)
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return byteOrder.Uint16(p)
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return byteOrder.Uint32(p)
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return byteOrder.Uint64(p)
}

// Bytes returns the next n bytes. The slice aliases the buffer.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

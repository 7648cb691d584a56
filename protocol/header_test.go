package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := CommandHeader{
		Type:                CommandTypeRequest,
		SendStaticCount:     1,
		SendBufferCount:     2,
		ReceiveBufferCount:  3,
		ExchangeBufferCount: 4,
		DataWordCount:       17,
		ReceiveStaticCount:  2,
		HasSpecialHeader:    true,
	}
	buf := NewBuffer()
	w := buf.Writer(0)
	h.Encode(w)
	require.Equal(t, CommandHeaderSize, w.Offset())

	r := buf.Reader(0)
	got := DecodeCommandHeader(r)
	require.NoError(t, r.Err())
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("command header mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandHeaderBitLayout(t *testing.T) {
	buf := NewBuffer()
	CommandHeader{
		Type:               CommandTypeControl,
		SendBufferCount:    1,
		DataWordCount:      8,
		ReceiveStaticCount: 1,
		HasSpecialHeader:   true,
	}.Encode(buf.Writer(0))

	r := buf.Reader(0)
	assert.Equal(t, uint32(0x0010_0005), r.Uint32())
	// receive static mode 3 (one descriptor) at bits 10..13, special flag at bit 31.
	assert.Equal(t, uint32(0x8000_0C08), r.Uint32())
}

func TestCommandHeaderFieldOverflowPanics(t *testing.T) {
	buf := NewBuffer()
	assert.Panics(t, func() {
		CommandHeader{Type: CommandTypeRequest, SendBufferCount: 16}.Encode(buf.Writer(0))
	})
	assert.Panics(t, func() {
		CommandHeader{Type: CommandTypeRequest, DataWordCount: 1024}.Encode(buf.Writer(0))
	})
}

func TestSpecialHeaderRoundTrip(t *testing.T) {
	buf := NewBuffer()
	h := SpecialHeader{SendProcessID: true, CopyHandleCount: 3, MoveHandleCount: 15}
	h.Encode(buf.Writer(0))

	r := buf.Reader(0)
	word := r.Uint32()
	assert.Equal(t, uint32(1|3<<1|15<<5), word)

	got := DecodeSpecialHeader(buf.Reader(0))
	assert.Equal(t, h, got)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	buf := NewBuffer()
	h := DataHeader{Magic: InDataHeaderMagic, Value: 0x0815, Token: 7}
	w := buf.Writer(16)
	h.Encode(w)
	require.Equal(t, 16+DataHeaderSize, w.Offset())

	// "SFCI" in memory order.
	assert.Equal(t, []byte("SFCI"), buf.Bytes()[16:20])
	assert.Equal(t, h, DecodeDataHeader(buf.Reader(16)))
}

func TestDomainHeadersRoundTrip(t *testing.T) {
	buf := NewBuffer()
	in := DomainInHeader{
		Type:        DomainCommandTypeSendMessage,
		ObjectCount: 2,
		DataSize:    0x24,
		ObjectID:    0xF001,
	}
	w := buf.Writer(0)
	in.Encode(w)
	require.Equal(t, DomainInHeaderSize, w.Offset())
	assert.Equal(t, in, DecodeDomainInHeader(buf.Reader(0)))

	buf.Reset()
	out := DomainOutHeader{ObjectCount: 3}
	w = buf.Writer(0)
	out.Encode(w)
	require.Equal(t, DomainOutHeaderSize, w.Offset())
	r := buf.Reader(0)
	assert.Equal(t, out, DecodeDomainOutHeader(r))
	assert.Equal(t, DomainOutHeaderSize, r.Offset())
}

func TestDescriptorsRoundTrip(t *testing.T) {
	buf := NewBuffer()
	static := SendStaticDescriptor{Address: 0x7F_1234_5678, Size: 0x200, Index: 5}
	buffer := BufferDescriptor{Address: 0x45_8765_4320, Size: 0x3_0000_1000, Mode: BufferModeNonDevice}
	receive := ReceiveStaticDescriptor{Address: 0xBEEF_0000_1000, Size: 0x80}

	w := buf.Writer(0)
	static.Encode(w)
	buffer.Encode(w)
	receive.Encode(w)
	require.Equal(t, SendStaticDescriptorSize+BufferDescriptorSize+ReceiveStaticDescriptorSize, w.Offset())

	r := buf.Reader(0)
	assert.Equal(t, static, DecodeSendStaticDescriptor(r))
	assert.Equal(t, buffer, DecodeBufferDescriptor(r))
	assert.Equal(t, receive, DecodeReceiveStaticDescriptor(r))
	require.NoError(t, r.Err())
}

func TestDescriptorOverflowPanics(t *testing.T) {
	buf := NewBuffer()
	assert.Panics(t, func() {
		BufferDescriptor{Address: 1 << 40}.Encode(buf.Writer(0))
	})
	assert.Panics(t, func() {
		SendStaticDescriptor{Index: 64}.Encode(buf.Writer(0))
	})
}

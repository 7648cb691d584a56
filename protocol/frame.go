package protocol

// Bridge frames carry whole IPC buffers between a host-side client and a
// service emulator over a byte stream. The receiver reads the fixed 17-byte
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9         13        17
//	┌──────┬──┬──┬─────────┬─────────┬─────────┬────────────────┐
//	│magic │v │ft│   seq   │ handle  │ bodyLen │    body ...    │
//	│ nxb  │01│  │ uint32  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴─────────┴─────────┴────────────────┘

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame magic bytes: "nxb" (nx bridge).
// Lets the emulator reject peers that are not speaking the bridge protocol.
const (
	FrameMagic0     byte = 0x6e // 'n'
	FrameMagic1     byte = 0x78 // 'x'
	FrameMagic2     byte = 0x62 // 'b'
	FrameVersion    byte = 0x01
	FrameHeaderSize int  = 17 // 3 (magic) + 1 (version) + 1 (type) + 4 (seq) + 4 (handle) + 4 (bodyLen)
)

// FrameType distinguishes the frames of the bridge.
type FrameType byte

const (
	FrameTypeRequest   FrameType = 0 // client → emulator: IPC buffer holding a command
	FrameTypeResponse  FrameType = 1 // emulator → client: IPC buffer holding the reply
	FrameTypeHeartbeat FrameType = 2 // keepalive, no body
	FrameTypeError     FrameType = 3 // emulator → client: 4-byte kernel result, buffer untouched
)

func (t FrameType) valid() bool {
	return t <= FrameTypeError
}

// FrameHeader is the fixed 17-byte bridge frame header.
type FrameHeader struct {
	Type    FrameType
	Seq     uint32 // matches a response to its request
	Handle  uint32 // session handle the buffer is sent on
	BodyLen uint32
}

// EncodeFrame writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w, otherwise frames from
// different calls interleave and corrupt the stream.
func EncodeFrame(w io.Writer, h *FrameHeader, body []byte) error {
	buf := make([]byte, FrameHeaderSize, FrameHeaderSize+len(body))

	buf[0], buf[1], buf[2] = FrameMagic0, FrameMagic1, FrameMagic2
	buf[3] = FrameVersion
	buf[4] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[5:9], h.Seq)
	binary.BigEndian.PutUint32(buf[9:13], h.Handle)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(body)))

	// One Write per frame so a frame is never split across writers.
	_, err := w.Write(append(buf, body...))
	return err
}

// DecodeFrame reads a complete frame from r.
// It validates the magic, version and frame type, and rejects bodies larger
// than an IPC buffer.
func DecodeFrame(r io.Reader) (*FrameHeader, []byte, error) {
	headerBuf := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != FrameMagic0 || headerBuf[1] != FrameMagic1 || headerBuf[2] != FrameMagic2 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != FrameVersion {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	frameType := FrameType(headerBuf[4])
	if !frameType.valid() {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[4])
	}

	h := &FrameHeader{
		Type:    frameType,
		Seq:     binary.BigEndian.Uint32(headerBuf[5:9]),
		Handle:  binary.BigEndian.Uint32(headerBuf[9:13]),
		BodyLen: binary.BigEndian.Uint32(headerBuf[13:17]),
	}
	if h.BodyLen > BufferSize {
		return nil, nil, fmt.Errorf("frame body of %d bytes exceeds ipc buffer size", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"nx-ipc/message"
	"nx-ipc/protocol"
	"nx-ipc/result"
)

// fakeEmulator 读取请求帧，用 respond 生成回复帧
type fakeEmulator struct {
	conn    net.Conn
	respond func(h *protocol.FrameHeader, body []byte) (protocol.FrameType, []byte, bool)
	mu      sync.Mutex
}

func (e *fakeEmulator) serve() {
	for {
		h, body, err := protocol.DecodeFrame(e.conn)
		if err != nil {
			return
		}
		if h.Type == protocol.FrameTypeHeartbeat {
			continue
		}
		go func() {
			typ, out, ok := e.respond(h, body)
			if !ok {
				return
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			protocol.EncodeFrame(e.conn, &protocol.FrameHeader{Type: typ, Seq: h.Seq, Handle: h.Handle}, out)
		}()
	}
}

func newPipeTransport(t *testing.T, respond func(h *protocol.FrameHeader, body []byte) (protocol.FrameType, []byte, bool)) *ClientTransport {
	t.Helper()
	client, server := net.Pipe()
	emu := &fakeEmulator{conn: server, respond: respond}
	go emu.serve()

	ct := NewClientTransport(client, WithHeartbeat(0))
	t.Cleanup(func() {
		ct.Close()
		server.Close()
	})
	return ct
}

// stampHandle 把会话句柄写进回复的前 4 个字节
func stampHandle(h *protocol.FrameHeader, body []byte) (protocol.FrameType, []byte, bool) {
	out := make([]byte, protocol.BufferSize)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[0:4], h.Handle)
	return protocol.FrameTypeResponse, out, true
}

// 测试单连接上串行发送多个请求
func TestClientTransportSerial(t *testing.T) {
	ct := newPipeTransport(t, stampHandle)

	buf := protocol.NewBuffer()
	for _, handle := range []message.Handle{0x10, 0x20, 0x30} {
		buf.Bytes()[8] = 0x5A
		if err := ct.SendSyncRequest(context.Background(), handle, buf); err != nil {
			t.Fatal(err)
		}
		if got := binary.LittleEndian.Uint32(buf.Bytes()[0:4]); got != uint32(handle) {
			t.Fatalf("expect handle %#x, got %#x", handle, got)
		}
		if buf.Bytes()[8] != 0x5A {
			t.Fatalf("request bytes were not carried to the emulator")
		}
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestClientTransportConcurrent(t *testing.T) {
	ct := newPipeTransport(t, func(h *protocol.FrameHeader, body []byte) (protocol.FrameType, []byte, bool) {
		// 故意打乱回复顺序
		time.Sleep(time.Duration(h.Handle%5) * time.Millisecond)
		return stampHandle(h, body)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			buf := protocol.NewBuffer()
			if err := ct.SendSyncRequest(context.Background(), message.Handle(n), buf); err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			if got := binary.LittleEndian.Uint32(buf.Bytes()[0:4]); got != uint32(n) {
				t.Errorf("expect %d, got %d", n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportErrorFrame(t *testing.T) {
	ct := newPipeTransport(t, func(h *protocol.FrameHeader, body []byte) (protocol.FrameType, []byte, bool) {
		out := binary.LittleEndian.AppendUint32(nil, result.ResultInvalidSession.Value())
		return protocol.FrameTypeError, out, true
	})

	buf := protocol.NewBuffer()
	buf.Bytes()[0] = 0x77
	err := ct.SendSyncRequest(context.Background(), 1, buf)

	var code result.Code
	if !errors.As(err, &code) || code != result.ResultInvalidSession {
		t.Fatalf("expect %v, got %v", result.ResultInvalidSession, err)
	}
	if buf.Bytes()[0] != 0x77 {
		t.Fatalf("error frame must leave the buffer untouched")
	}
}

func TestClientTransportTimeout(t *testing.T) {
	ct := newPipeTransport(t, func(*protocol.FrameHeader, []byte) (protocol.FrameType, []byte, bool) {
		return 0, nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := protocol.NewBuffer()
	buf.Bytes()[0] = 0x42
	err := ct.SendSyncRequest(ctx, 1, buf)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("timeouts should be retryable")
	}
	if buf.Bytes()[0] != 0x42 {
		t.Fatalf("timed out round trip must leave the buffer untouched")
	}
}

func TestClientTransportConnectionLost(t *testing.T) {
	client, server := net.Pipe()
	ct := NewClientTransport(client, WithHeartbeat(0))
	defer ct.Close()

	go func() {
		// 读到请求后直接断开连接
		protocol.DecodeFrame(server)
		server.Close()
	}()

	err := ct.SendSyncRequest(context.Background(), 1, protocol.NewBuffer())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}

	// 连接断开后的请求立即失败
	err = ct.SendSyncRequest(context.Background(), 1, protocol.NewBuffer())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after close, got %v", err)
	}
}

func TestLoopback(t *testing.T) {
	var gotHandle message.Handle
	lb := NewLoopback(HandlerFunc(func(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
		gotHandle = handle
		buf.Bytes()[0] = 1
		return nil
	}))

	buf := protocol.NewBuffer()
	if err := lb.SendSyncRequest(context.Background(), 9, buf); err != nil {
		t.Fatal(err)
	}
	if gotHandle != 9 || buf.Bytes()[0] != 1 {
		t.Fatalf("handler not invoked: handle=%d byte=%d", gotHandle, buf.Bytes()[0])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lb.SendSyncRequest(ctx, 9, buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
}

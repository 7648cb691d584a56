package client

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"nx-ipc/config"
	"nx-ipc/loadbalance"
	"nx-ipc/message"
	"nx-ipc/middleware"
	"nx-ipc/protocol"
	"nx-ipc/registry"
	"nx-ipc/result"
	"nx-ipc/server"
	"nx-ipc/transport"
)

// ---- 测试用的服务 ----

const (
	cmdAdd       = 0
	cmdMultiply  = 1
	cmdOpenChild = 2
	cmdWhoAmI    = 3
)

func u32(vs ...uint32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

func arith() *server.Service {
	child := server.NewService("arith:child")
	child.Handle(cmdWhoAmI, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = u32(0xC41D)
		return nil
	})

	svc := server.NewService("arith")
	svc.Handle(cmdAdd, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = u32(binary.LittleEndian.Uint32(req.Data) + binary.LittleEndian.Uint32(req.Data[4:]))
		return nil
	}).Handle(cmdMultiply, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = u32(binary.LittleEndian.Uint32(req.Data) * binary.LittleEndian.Uint32(req.Data[4:]))
		return nil
	}).Handle(cmdOpenChild, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		_, err := req.Open(child)
		return err
	}).Handle(cmdWhoAmI, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = u32(0xA417)
		return nil
	})
	return svc
}

func loopbackSession(t *testing.T, opts ...Option) (*server.Server, *Session) {
	t.Helper()
	svr := server.NewServer(server.WithPointerBufferSize(0x1000))
	port := svr.Register(arith())
	return svr, NewSession(transport.NewLoopback(svr), port, opts...)
}

func call(t *testing.T, s *Session, id uint32, a, b uint32) uint32 {
	t.Helper()
	data, err := s.Request(context.Background(), id, &message.InParams{Data: u32(a, b)}, &message.OutParams{DataSize: 4})
	require.NoError(t, err)
	require.Len(t, data, 4)
	return binary.LittleEndian.Uint32(data)
}

func TestSessionRequest(t *testing.T) {
	_, s := loopbackSession(t)

	assert.Equal(t, uint32(8), call(t, s, cmdAdd, 3, 5))
	assert.Equal(t, uint32(24), call(t, s, cmdMultiply, 4, 6))

	_, err := s.Request(context.Background(), 99, nil, nil)
	assert.ErrorIs(t, err, result.ResultUnknownCommandID)
}

func TestSessionRequestCapacity(t *testing.T) {
	_, s := loopbackSession(t)
	in := &message.InParams{CopyHandles: make([]message.Handle, message.MaxHandles+1)}
	_, err := s.Request(context.Background(), cmdAdd, in, nil)
	assert.ErrorIs(t, err, message.ErrCapacity)
}

func TestSessionPayloadIsCopied(t *testing.T) {
	_, s := loopbackSession(t)
	first, err := s.Request(context.Background(), cmdAdd, &message.InParams{Data: u32(1, 1)}, &message.OutParams{DataSize: 4})
	require.NoError(t, err)

	// 第二次调用会复用缓冲区，第一次的结果不能被覆盖
	call(t, s, cmdAdd, 100, 100)
	assert.Equal(t, u32(2), first)
}

func TestSessionQueryPointerBufferSize(t *testing.T) {
	_, s := loopbackSession(t)
	size, err := s.QueryPointerBufferSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), size)
}

func TestSessionDomain(t *testing.T) {
	_, s := loopbackSession(t)

	_, err := s.Object(1)
	assert.ErrorIs(t, err, ErrNotDomain)

	root, err := s.ConvertToDomain(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsDomain())
	assert.Equal(t, message.Domain(root), s.Descriptor())
	assert.Equal(t, uint32(7), call(t, s, cmdAdd, 3, 4))

	again, err := s.ConvertToDomain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, again)

	out := &message.OutParams{}
	_, err = s.Request(context.Background(), cmdOpenChild, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Objects, 1)

	child, err := s.Object(out.Objects[0])
	require.NoError(t, err)
	data, err := child.Request(context.Background(), cmdWhoAmI, nil, &message.OutParams{DataSize: 4})
	require.NoError(t, err)
	assert.Equal(t, u32(0xC41D), data)

	// 关闭子对象不影响根对象
	require.NoError(t, child.Close(context.Background()))
	_, err = child.Request(context.Background(), cmdWhoAmI, nil, &message.OutParams{DataSize: 4})
	assert.ErrorIs(t, err, result.ResultTargetNotFound)
	assert.Equal(t, uint32(2), call(t, s, cmdAdd, 1, 1))
}

func TestSessionCopyFromCurrentDomain(t *testing.T) {
	_, s := loopbackSession(t)

	_, err := s.CopyFromCurrentDomain(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotDomain)

	root, err := s.ConvertToDomain(context.Background())
	require.NoError(t, err)

	copied, err := s.CopyFromCurrentDomain(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, copied.IsDomain())
	assert.NotEqual(t, s.Handle(), copied.Handle())
	assert.Equal(t, uint32(9), call(t, copied, cmdAdd, 4, 5))
	require.NoError(t, copied.Close(context.Background()))
}

func TestSessionClone(t *testing.T) {
	_, s := loopbackSession(t)

	clone, err := s.CloneCurrentObject(context.Background())
	require.NoError(t, err)
	cloneEx, err := s.CloneCurrentObjectEx(context.Background(), 0x1234)
	require.NoError(t, err)

	assert.Equal(t, uint32(3), call(t, clone, cmdAdd, 1, 2))
	assert.Equal(t, uint32(3), call(t, cloneEx, cmdAdd, 1, 2))

	require.NoError(t, clone.Close(context.Background()))
	_, err = clone.Request(context.Background(), cmdAdd, nil, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, clone.Close(context.Background()), "Close is idempotent")

	// 关闭克隆不影响原会话
	assert.Equal(t, uint32(3), call(t, s, cmdAdd, 1, 2))
	require.NoError(t, cloneEx.Close(context.Background()))
}

func TestSessionClose(t *testing.T) {
	svr, s := loopbackSession(t)
	handle := s.Handle()
	require.NoError(t, s.Close(context.Background()))

	buf := protocol.NewBuffer()
	assert.ErrorIs(t, svr.HandleSyncRequest(context.Background(), handle, buf), result.ResultInvalidSession)
}

func TestSessionMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	_, s := loopbackSession(t, WithMiddleware(
		middleware.LoggingMiddleware(zap.New(core)),
		middleware.TimeOutMiddleware(time.Second),
	))

	call(t, s, cmdAdd, 1, 2)
	_, err := s.QueryPointerBufferSize(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Request", logs.All()[0].ContextMap()["kind"])
	assert.Equal(t, "Control", logs.All()[1].ContextMap()["kind"])
}

func TestSessionTransportError(t *testing.T) {
	failing := transport.HandlerFunc(func(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
		return transport.ErrClosed
	})
	s := NewSession(transport.NewLoopback(failing), 0x10)
	_, err := s.Request(context.Background(), cmdAdd, nil, nil)
	assert.ErrorIs(t, err, transport.ErrClosed)

	var code result.Code
	assert.False(t, errors.As(err, &code), "transport errors carry no result code")
}

func TestSessionConcurrent(t *testing.T) {
	_, s := loopbackSession(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			data, err := s.Request(context.Background(), cmdAdd, &message.InParams{Data: u32(n, n)}, &message.OutParams{DataSize: 4})
			if err != nil {
				errs <- err
				return
			}
			if got := binary.LittleEndian.Uint32(data); got != 2*n {
				errs <- errors.New("mismatched response")
			}
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// 转换为 domain 与普通请求并发：每个请求都按加锁时的描述符编解码
func TestSessionConvertToDomainConcurrent(t *testing.T) {
	_, s := loopbackSession(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	ids := make(chan uint32, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.ConvertToDomain(context.Background())
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}()
	}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			_ = s.IsDomain()
			data, err := s.Request(context.Background(), cmdAdd, &message.InParams{Data: u32(n, 1)}, &message.OutParams{DataSize: 4})
			if err != nil {
				errs <- err
				return
			}
			if got := binary.LittleEndian.Uint32(data); got != n+1 {
				errs <- errors.New("mismatched response")
			}
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	close(ids)
	for err := range errs {
		t.Error(err)
	}

	root := s.Descriptor()
	require.True(t, root.IsDomain)
	for id := range ids {
		assert.Equal(t, root.ObjectID, id, "every conversion reports the same object")
	}
	assert.Equal(t, uint32(5), call(t, s, cmdAdd, 2, 3))
}

// 完整链路: Dial → Registry → LB → ClientTransport → 桥接 → Server
func TestDialBridge(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	var servers []*server.Server
	for i := 0; i < 2; i++ {
		svr := server.NewServer()
		svr.Register(arith())
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		go svr.ServeListener(listener, listener.Addr().String(), reg)
		servers = append(servers, svr)
	}
	defer func() {
		for _, svr := range servers {
			svr.Shutdown(time.Second)
		}
	}()

	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "arith")
		return len(eps) == 2
	}, time.Second, 10*time.Millisecond)

	bal := &loadbalance.RoundRobinBalancer{}
	for i := 0; i < 4; i++ {
		s, err := Dial(context.Background(), reg, bal, "arith", WithHeartbeat(0))
		require.NoError(t, err)

		assert.Equal(t, uint32(8), call(t, s, cmdAdd, 3, 5))
		root, err := s.ConvertToDomain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(1), root)
		assert.Equal(t, uint32(24), call(t, s, cmdMultiply, 4, 6))
		require.NoError(t, s.Close(context.Background()))
	}

	_, err := Dial(context.Background(), reg, bal, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCallMiddlewares(t *testing.T) {
	cfg := config.Default().Call
	assert.Len(t, CallMiddlewares(cfg, zap.NewNop()), 3)
	cfg.RateLimit = 100
	assert.Len(t, CallMiddlewares(cfg, zap.NewNop()), 4)

	// 超时后的请求会被重试，最终仍然成功
	svr := server.NewServer()
	port := svr.Register(arith())
	attempts := 0
	flaky := transport.HandlerFunc(func(ctx context.Context, handle message.Handle, buf *protocol.Buffer) error {
		attempts++
		if attempts == 1 {
			return transport.ErrTimeout
		}
		return svr.HandleSyncRequest(ctx, handle, buf)
	})
	cfg.RetryBackoff = time.Millisecond
	s := NewSession(transport.NewLoopback(flaky), port, WithMiddleware(CallMiddlewares(cfg, zap.NewNop())...))
	assert.Equal(t, uint32(5), call(t, s, cmdAdd, 2, 3))
	assert.Equal(t, 2, attempts)
}

func BenchmarkSessionLoopback(b *testing.B) {
	svr := server.NewServer()
	s := NewSession(transport.NewLoopback(svr), svr.Register(arith()))
	in := &message.InParams{Data: u32(1, 2)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Request(context.Background(), cmdAdd, in, &message.OutParams{DataSize: 4}); err != nil {
			b.Fatal(err)
		}
	}
}

package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// 需要本地 etcd：NXIPC_ETCD_TEST=127.0.0.1:2379 go test ./registry
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("NXIPC_ETCD_TEST")
	if endpoints == "" {
		t.Skip("NXIPC_ETCD_TEST not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	// 注册两个实例
	ep1 := Endpoint{Service: "fsp-srv", Addr: "127.0.0.1:8001", Handle: 0x10, Weight: 10, Version: "1.0"}
	ep2 := Endpoint{Service: "fsp-srv", Addr: "127.0.0.1:8002", Handle: 0x20, Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, ep1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, ep2, 10); err != nil {
		t.Fatal(err)
	}

	eps, err := reg.Discover(ctx, "fsp-srv")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(eps))
	}

	// 注销一个
	if err := reg.Deregister(ctx, "fsp-srv", ep1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	eps, err = reg.Discover(ctx, "fsp-srv")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0] != ep2 {
		t.Fatalf("expect only %+v after deregister, got %+v", ep2, eps)
	}

	reg.Deregister(ctx, "fsp-srv", ep2.Addr)
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_, err := reg.Discover(ctx, "sm:")
	require.ErrorIs(t, err, ErrNotFound)

	ep1 := Endpoint{Service: "sm:", Addr: "127.0.0.1:9002", Handle: 2, Weight: 1}
	ep2 := Endpoint{Service: "sm:", Addr: "127.0.0.1:9001", Handle: 1, Weight: 1}
	require.NoError(t, reg.Register(ctx, ep1, 10))
	require.NoError(t, reg.Register(ctx, ep2, 10))
	require.NoError(t, reg.Register(ctx, Endpoint{Service: "fsp-srv", Addr: "127.0.0.1:9003"}, 10))

	eps, err := reg.Discover(ctx, "sm:")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep2, ep1}, eps)

	require.NoError(t, reg.Deregister(ctx, "sm:", ep2.Addr))
	eps, err = reg.Discover(ctx, "sm:")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep1}, eps)
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ch := reg.Watch(ctx, "sm:")

	ep := Endpoint{Service: "sm:", Addr: "127.0.0.1:9001"}
	require.NoError(t, reg.Register(context.Background(), ep, 10))
	select {
	case eps := <-ch:
		assert.Equal(t, []Endpoint{ep}, eps)
	case <-time.After(time.Second):
		t.Fatal("no watch update after register")
	}

	require.NoError(t, reg.Deregister(context.Background(), "sm:", ep.Addr))
	select {
	case eps := <-ch:
		assert.Empty(t, eps)
	case <-time.After(time.Second):
		t.Fatal("no watch update after deregister")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "watch channel should close with its context")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

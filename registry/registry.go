// Package registry tracks where service emulators can be reached.
//
// An emulator registers one Endpoint per service it hosts: the bridge address
// and the port handle a client sends its first command on. Clients discover
// the endpoints of a service by name and pick one with a load balancer.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Discover when a service has no endpoints.
var ErrNotFound = errors.New("registry: service not found")

// Endpoint is one reachable instance of a service.
type Endpoint struct {
	Service string `json:"service"`
	Addr    string `json:"addr"`
	Handle  uint32 `json:"handle"`
	Weight  int    `json:"weight"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes ep. Implementations that support leases expire it
	// ttl seconds after the registrant stops renewing it.
	Register(ctx context.Context, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service after every change until
	// ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

func keyPrefix(service string) string {
	return "/nx-ipc/" + service + "/"
}

func key(service, addr string) string {
	return keyPrefix(service) + addr
}

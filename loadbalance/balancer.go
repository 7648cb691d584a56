// Package loadbalance picks which emulator endpoint a new session dials.
//
// Three strategies are implemented:
//   - RoundRobin:      interchangeable emulators
//   - WeightedRandom:  emulators advertising different capacity
//   - ConsistentHash:  a key (title id, user) always lands on the same emulator,
//     so the state behind its sessions stays in one place
package loadbalance

import (
	"errors"

	"nx-ipc/registry"
)

// ErrNoEndpoints is returned when there is nothing to pick from.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint per dial. Implementations are goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

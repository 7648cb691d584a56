package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"nx-ipc/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring. A key keeps
// landing on the same emulator until the ring changes, so sessions that share
// state (a save-data mount, a title's services) stay together.
//
// Each endpoint is placed on the ring as replicas virtual nodes so a handful
// of endpoints still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32                      // sorted
	nodes    map[uint32]*registry.Endpoint // virtual node hash → endpoint
}

// NewConsistentHashBalancer returns an empty ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places ep on the ring.
func (b *ConsistentHashBalancer) Add(ep *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(ep)
	b.sortLocked()
}

// Set replaces the ring with endpoints, typically after a registry watch update.
func (b *ConsistentHashBalancer) Set(endpoints []registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	for i := range endpoints {
		b.addLocked(&endpoints[i])
	}
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(ep *registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey returns the endpoint responsible for key: the first virtual node
// at or after the key's hash, wrapping around the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Keyed returns a Balancer that resyncs the ring with the endpoints it is
// given and picks the node owning key.
func (b *ConsistentHashBalancer) Keyed(key string) Balancer {
	return keyedBalancer{ring: b, key: key}
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

type keyedBalancer struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k keyedBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	k.ring.Set(endpoints)
	return k.ring.PickKey(k.key)
}

func (k keyedBalancer) Name() string {
	return k.ring.Name()
}

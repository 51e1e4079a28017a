package dht

import (
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kadmesh/node/identity"
)

// StoreCapacity is the minimum bound spec §3 requires; entries beyond it
// are rejected rather than evicting anything already stored.
const StoreCapacity = 100

// MaxValueLen bounds a single stored value.
const MaxValueLen = 1024

// ErrStoreFull is returned when Store is called with a new key and the
// value store is already at capacity.
var ErrStoreFull = errors.New("dht: value store at capacity")

// ErrValueTooLarge is returned when a value exceeds MaxValueLen.
var ErrValueTooLarge = errors.New("dht: value exceeds 1024 bytes")

// ValueStore holds the node's local key/value share of the DHT, bounded at
// StoreCapacity entries with reject-new-on-full eviction policy (spec §3).
// Backed by patrickmn/go-cache, which the teacher's go.mod already depends
// on for exactly this shape (a bounded, optionally-TTL'd in-memory map).
type ValueStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
	count int
}

// NewValueStore constructs an empty, unbounded-TTL value store (entries
// live until overwritten or the node shuts down, per spec §3's lifecycle).
func NewValueStore() *ValueStore {
	return &ValueStore{cache: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Put stores value under key. Overwrites of an existing key always
// succeed; a brand-new key is rejected once the store holds StoreCapacity
// entries.
func (s *ValueStore) Put(key identity.NodeID, value []byte) error {
	if len(value) > MaxValueLen {
		return ErrValueTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	_, existed := s.cache.Get(k)
	if !existed && s.count >= StoreCapacity {
		return ErrStoreFull
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.cache.SetDefault(k, cp)
	if !existed {
		s.count++
	}
	return nil
}

// Get returns the value stored under key, if any.
func (s *ValueStore) Get(key identity.NodeID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Delete removes key. Part of the Store interface; rendezvous leaves a
// tombstone value via Put rather than calling this directly.
func (s *ValueStore) Delete(key identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(key.String()); ok {
		s.cache.Delete(key.String())
		s.count--
	}
}

// Len reports the number of stored entries.
func (s *ValueStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

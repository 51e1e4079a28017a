// Package dht implements the Kademlia-style distributed hash table (C7):
// 160-bit XOR routing, k-buckets, iterative find-node/find-value/store, and
// periodic bucket refresh. It also serves as the substrate the rendezvous
// directory (C8) is layered on.
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/kadmesh/node/identity"
)

// K is the maximum number of entries held in a single k-bucket.
const K = 8

// NumBuckets is the number of buckets, one per possible common-prefix
// length in a 160-bit identifier space.
const NumBuckets = identity.Size * 8

// BucketEvictionAge is how long an existing head entry must have gone
// unseen before a full bucket will evict it in favor of a new contact.
const BucketEvictionAge = 1 * time.Hour

// Contact is one routing-table entry.
type Contact struct {
	ID       identity.NodeID
	IP       string
	Port     int
	LastSeen time.Time
}

// bucket holds entries ordered least-recently-seen-first.
type bucket struct {
	entries      []Contact
	lastUpdated  time.Time
}

// RoutingTable is the local node's 160-bucket Kademlia routing table.
type RoutingTable struct {
	mu      sync.Mutex
	local   identity.NodeID
	buckets [NumBuckets]bucket
}

// NewRoutingTable constructs an empty routing table for the given local id.
func NewRoutingTable(local identity.NodeID) *RoutingTable {
	rt := &RoutingTable{local: local}
	now := time.Now()
	for i := range rt.buckets {
		rt.buckets[i].lastUpdated = now
	}
	return rt
}

// Local returns the routing table's own node id.
func (rt *RoutingTable) Local() identity.NodeID {
	return rt.local
}

// bucketIndex returns the bucket id belongs in: the common-prefix length
// between local and id, per spec §3.
func (rt *RoutingTable) bucketIndex(id identity.NodeID) int {
	return rt.local.CPL(id)
}

// pingFunc is supplied by the caller (the DHT engine, which owns the
// transport) so AddNode can probe a full bucket's head contact before
// deciding whether to evict it. A nil pingFunc falls back to the age-only
// head-stays policy described in spec §4.6 step 5.
type pingFunc func(Contact) bool

// AddNode inserts or refreshes a contact following the Kademlia add
// algorithm in spec §4.6. probe, if non-nil, is used to test a full
// bucket's least-recently-seen head before evicting it (the "future
// implementations MAY probe the head with a ping first" recommendation);
// without it, the implementation follows the literal head-stays policy:
// evict only if the head has not been seen for over BucketEvictionAge.
func (rt *RoutingTable) AddNode(c Contact, probe pingFunc) bool {
	if c.ID.Equal(rt.local) {
		return false
	}
	idx := rt.bucketIndex(c.ID)
	if idx == identity.Size*8 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[idx]
	for i, existing := range b.entries {
		if existing.ID.Equal(c.ID) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			c.LastSeen = time.Now()
			b.entries = append(b.entries, c)
			b.lastUpdated = time.Now()
			return true
		}
	}

	if len(b.entries) < K {
		c.LastSeen = time.Now()
		b.entries = append(b.entries, c)
		b.lastUpdated = time.Now()
		return true
	}

	head := b.entries[0]
	stale := time.Since(head.LastSeen) > BucketEvictionAge
	if !stale && probe != nil {
		stale = !probe(head)
	}
	if stale {
		b.entries = append(b.entries[1:], c)
		c.LastSeen = time.Now()
		b.entries[len(b.entries)-1] = c
		b.lastUpdated = time.Now()
		return true
	}
	return false
}

// RemoveNode evicts a contact from whichever bucket holds it.
func (rt *RoutingTable) RemoveNode(id identity.NodeID) {
	idx := rt.bucketIndex(id)
	if idx == identity.Size*8 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[idx]
	for i, existing := range b.entries {
		if existing.ID.Equal(id) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// FindNode returns the n contacts closest to target by XOR distance,
// sorted nearest-first, with no duplicates, per spec §4.6/§8.
func (rt *RoutingTable) FindNode(target identity.NodeID, n int) []Contact {
	rt.mu.Lock()
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].entries...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.XOR(target)
		dj := all[j].ID.XOR(target)
		return identity.Less(di, dj)
	})

	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// BucketCount returns the number of entries in a given bucket, for tests
// and diagnostics.
func (rt *RoutingTable) BucketCount(idx int) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets[idx].entries)
}

// StaleBuckets returns the indices of non-empty buckets whose last update
// predates the refresh interval, per spec §4.6's refresh task.
func (rt *RoutingTable) StaleBuckets(refreshInterval time.Duration, now time.Time) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var stale []int
	for i := range rt.buckets {
		if len(rt.buckets[i].entries) == 0 {
			continue
		}
		if now.Sub(rt.buckets[i].lastUpdated) >= refreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// TouchBucket resets a bucket's last-updated stamp, called after a refresh
// lookup completes for that bucket's range.
func (rt *RoutingTable) TouchBucket(idx int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].lastUpdated = time.Now()
}

// EvictStale removes entries not seen for longer than maxAge from every
// bucket, per spec §4.6's refresh task ("remove any bucket entry not seen
// for > 2*REFRESH_INTERVAL").
func (rt *RoutingTable) EvictStale(maxAge time.Duration, now time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := 0
	for i := range rt.buckets {
		b := &rt.buckets[i]
		kept := b.entries[:0]
		for _, c := range b.entries {
			if now.Sub(c.LastSeen) > maxAge {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		b.entries = kept
	}
	return removed
}

// RandomIDInBucket returns a random id sharing local's prefix up to
// bucketIdx bits, then differing at bit bucketIdx, so a find-node issued
// for it lands squarely in that bucket's range (spec §4.6 refresh: "flip
// bit b of the local id").
func (rt *RoutingTable) RandomIDInBucket(bucketIdx int) identity.NodeID {
	id := identity.Random()
	byteIdx := bucketIdx / 8
	bitInByte := uint(bucketIdx % 8)

	for i := 0; i < byteIdx; i++ {
		id[i] = rt.local[i]
	}

	prefixMask := byte(0xFF00>>bitInByte) & 0xFF // bits that must match local
	flipMask := byte(0x80) >> bitInByte          // the single bit that must differ

	local := rt.local[byteIdx]
	random := id[byteIdx]

	b := local & prefixMask
	b |= random &^ prefixMask &^ flipMask
	b |= (local ^ flipMask) & flipMask
	id[byteIdx] = b

	return id
}

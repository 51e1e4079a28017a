// Package peertable implements the node-local table of known peers (C6):
// bounded storage, liveness tracking, and staleness reaping. It is shared
// by the dispatcher, discovery, DHT, rendezvous, and NAT-traversal drivers,
// with all mutation serialized through a single mutex per spec §4.5.
package peertable

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kadmesh/node/identity"
)

// MaxNodes bounds the number of peer records a table holds.
const MaxNodes = 256

// StaleAfter is the silence duration after which reap removes a record.
const StaleAfter = 5 * time.Minute

// ErrTableFull is returned by AddOrUpdate when inserting a brand-new peer
// id would exceed MaxNodes.
var ErrTableFull = errors.New("peertable: table is full")

// Endpoint is a (IPv4 address, UDP port) pair.
type Endpoint struct {
	IP   string
	Port int
}

// Record is one peer's state, per spec §3.
type Record struct {
	PeerID        int32
	NodeID        identity.NodeID
	HasNodeID     bool
	Local         Endpoint
	Public        Endpoint
	HasPublic     bool
	IsPublic      bool
	LastSeen      time.Time
	Reachable     bool
}

// Table is the node-local peer table. All exported methods are safe for
// concurrent use; lookups copy out fields before releasing the lock so
// callers never hold a reference into internal state.
type Table struct {
	mu      sync.Mutex
	records map[int32]*Record

	// recentDatagrams deduplicates inbound discovery datagrams by a
	// synthetic key (sender id + sequence), bounding memory independent of
	// MaxNodes. Grounded on the teacher's go.mod hashicorp/golang-lru dep.
	recentDatagrams *lru.Cache
}

// New constructs an empty table.
func New() *Table {
	cache, err := lru.New(4096)
	if err != nil {
		// lru.New only fails for a non-positive size, which is a
		// programmer error, not a runtime condition.
		panic(err)
	}
	return &Table{
		records:         make(map[int32]*Record),
		recentDatagrams: cache,
	}
}

// AddOrUpdate inserts a new record or refreshes an existing one's fields
// and last-seen time. Fails with ErrTableFull when inserting a new id would
// exceed MaxNodes.
func (t *Table) AddOrUpdate(peerID int32, local Endpoint, public *Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if rec, ok := t.records[peerID]; ok {
		rec.Local = local
		if public != nil {
			rec.Public = *public
			rec.HasPublic = true
		}
		if rec.LastSeen.Before(now) {
			rec.LastSeen = now
		}
		return nil
	}

	if len(t.records) >= MaxNodes {
		return ErrTableFull
	}

	rec := &Record{
		PeerID:   peerID,
		Local:    local,
		LastSeen: now,
	}
	if public != nil {
		rec.Public = *public
		rec.HasPublic = true
	}
	t.records[peerID] = rec
	return nil
}

// SetNodeID associates a 160-bit DHT identity with a peer id already in the
// table (learned from a DHT or rendezvous exchange, not from raw traffic).
func (t *Table) SetNodeID(peerID int32, id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[peerID]; ok {
		rec.NodeID = id
		rec.HasNodeID = true
	}
}

// Touch advances a record's last-seen time to now, on confirmed receipt.
// last_seen is monotonic non-decreasing by construction: Touch only ever
// moves it forward.
func (t *Table) Touch(peerID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[peerID]; ok {
		now := time.Now()
		if rec.LastSeen.Before(now) {
			rec.LastSeen = now
		}
		rec.Reachable = true
	}
}

// Remove deletes a peer record. O(n) is not implied by the map-backed
// implementation, but the contract (no ordering guarantee preserved) holds.
func (t *Table) Remove(peerID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, peerID)
}

// Lookup returns a copy of the record for peerID, if present.
func (t *Table) Lookup(peerID int32) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[peerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// LookupByNodeID scans for a record carrying the given DHT identity.
func (t *Table) LookupByNodeID(id identity.NodeID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		if rec.HasNodeID && rec.NodeID == id {
			return *rec, true
		}
	}
	return Record{}, false
}

// All returns a snapshot copy of every record currently in the table.
func (t *Table) All() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

// Len reports the current record count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Reap removes every record whose last-seen time is more than StaleAfter
// in the past relative to now, returning the removed peer ids.
func (t *Table) Reap(now time.Time) []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []int32
	for id, rec := range t.records {
		if now.Sub(rec.LastSeen) > StaleAfter {
			removed = append(removed, id)
			delete(t.records, id)
		}
	}
	return removed
}

// SeenDatagram reports whether (senderKey, seq) has already been observed
// within the bounded recent-datagram window, recording it if not. Used by
// LAN multicast discovery's loop/duplicate suppression (spec §4.9).
func (t *Table) SeenDatagram(senderKey string, seq uint32) bool {
	key := struct {
		s string
		q uint32
	}{senderKey, seq}
	if _, ok := t.recentDatagrams.Get(key); ok {
		return true
	}
	t.recentDatagrams.Add(key, struct{}{})
	return false
}

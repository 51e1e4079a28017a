package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/wire"
)

// Alpha is the Kademlia lookup concurrency parameter.
const Alpha = 3

// RefreshInterval is how often a stale bucket is refreshed, per spec §4.6.
const RefreshInterval = 3600 * time.Second

// RPCTimeout bounds how long a single DHT RPC waits for a reply.
const RPCTimeout = 5 * time.Second

// expiration bounds how long a request remains valid once sent, mirroring
// the teacher's 20-second request expiration window.
const expiration = 20 * time.Second

// ErrRPCTimeout is returned when a DHT RPC receives no reply in time.
var ErrRPCTimeout = errors.New("dht: rpc timed out")

// Transport is the socket-facing half of the engine: it knows how to get a
// DHT datagram onto the wire. The engine never touches a socket directly.
type Transport interface {
	SendDHT(to Contact, msgType wire.MessageType, seq uint32, payload []byte) error
}

// Engine drives the Kademlia protocol: bucket maintenance, iterative
// lookups, and the local value store. Wire I/O goes through Transport;
// replies arrive back in through HandleMessage, called by the dispatcher.
type Engine struct {
	Table *RoutingTable
	store Store

	transport Transport
	log       *logrus.Entry

	mu       sync.Mutex
	pending  map[pendingKey]chan []byte
	seqCount uint32
}

type pendingKey struct {
	id  identity.NodeID
	seq uint32
}

// NewEngine constructs a DHT engine for the given local identity.
func NewEngine(local identity.NodeID, store Store, transport Transport, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		Table:     NewRoutingTable(local),
		store:     store,
		transport: transport,
		log:       logger.WithField("component", "dht"),
		pending:   make(map[pendingKey]chan []byte),
	}
}

func (e *Engine) nextSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqCount++
	return e.seqCount
}

func (e *Engine) register(target identity.NodeID, seq uint32) chan []byte {
	ch := make(chan []byte, 1)
	e.mu.Lock()
	e.pending[pendingKey{target, seq}] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unregister(target identity.NodeID, seq uint32) {
	e.mu.Lock()
	delete(e.pending, pendingKey{target, seq})
	e.mu.Unlock()
}

// call sends a request and blocks until a matching reply arrives or the
// per-request timeout elapses.
func (e *Engine) call(ctx context.Context, to Contact, msgType wire.MessageType, payload []byte) ([]byte, error) {
	seq := e.nextSeq()
	replyCh := e.register(to.ID, seq)
	defer e.unregister(to.ID, seq)

	if err := e.transport.SendDHT(to, msgType, seq, payload); err != nil {
		return nil, fmt.Errorf("dht: send %s to %s: %w", msgType, to.ID, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timeoutCtx.Done():
		return nil, ErrRPCTimeout
	}
}

// HandleMessage is called by the dispatcher for every inbound DHT_* frame.
// Reply-type messages are routed to a waiting call(); request-type messages
// are answered directly.
func (e *Engine) HandleMessage(from Contact, msgType wire.MessageType, seq uint32, payload []byte) {
	switch msgType {
	case wire.TypeDHTPong, wire.TypeDHTFindNodeReply, wire.TypeDHTFindValueReply:
		e.mu.Lock()
		ch, ok := e.pending[pendingKey{from.ID, seq}]
		e.mu.Unlock()
		if ok {
			select {
			case ch <- payload:
			default:
			}
		}
		if msgType == wire.TypeDHTPong {
			e.Table.AddNode(from, nil)
		}
		return
	case wire.TypeDHTPing:
		e.Table.AddNode(from, nil)
		pong := wire.DHTPong{
			To:         wire.Endpoint{IP: net.ParseIP(from.IP).To4(), Port: uint16(from.Port)},
			Expiration: uint64(time.Now().Add(expiration).Unix()),
		}
		enc, err := wire.EncodeRPC(pong)
		if err != nil {
			e.log.WithError(err).Warn("encode dht pong")
			return
		}
		if err := e.transport.SendDHT(from, wire.TypeDHTPong, seq, enc); err != nil {
			e.log.WithError(err).Warn("send dht pong")
		}
	case wire.TypeDHTFindNode:
		var req wire.DHTFindNode
		if err := wire.DecodeRPC(payload, &req); err != nil {
			e.log.WithError(err).Warn("decode find_node")
			return
		}
		e.Table.AddNode(from, nil)
		var target identity.NodeID
		copy(target[:], req.Target)
		closest := e.Table.FindNode(target, K)
		reply := wire.DHTFindNodeReply{Nodes: contactsToRPC(closest), Expiration: uint64(time.Now().Add(expiration).Unix())}
		enc, err := wire.EncodeRPC(reply)
		if err != nil {
			e.log.WithError(err).Warn("encode find_node reply")
			return
		}
		if err := e.transport.SendDHT(from, wire.TypeDHTFindNodeReply, seq, enc); err != nil {
			e.log.WithError(err).Warn("send find_node reply")
		}
	case wire.TypeDHTFindValue:
		var req wire.DHTFindValue
		if err := wire.DecodeRPC(payload, &req); err != nil {
			e.log.WithError(err).Warn("decode find_value")
			return
		}
		e.Table.AddNode(from, nil)
		var key identity.NodeID
		copy(key[:], req.Key)
		reply := wire.DHTFindValueReply{Key: req.Key, Expiration: uint64(time.Now().Add(expiration).Unix())}
		if val, ok := e.store.Get(key); ok {
			reply.Value = val
		} else {
			reply.Nodes = contactsToRPC(e.Table.FindNode(key, Alpha))
		}
		enc, err := wire.EncodeRPC(reply)
		if err != nil {
			e.log.WithError(err).Warn("encode find_value reply")
			return
		}
		if err := e.transport.SendDHT(from, wire.TypeDHTFindValueReply, seq, enc); err != nil {
			e.log.WithError(err).Warn("send find_value reply")
		}
	case wire.TypeDHTStore:
		var req wire.DHTStore
		if err := wire.DecodeRPC(payload, &req); err != nil {
			e.log.WithError(err).Warn("decode store")
			return
		}
		e.Table.AddNode(from, nil)
		var key identity.NodeID
		copy(key[:], req.Key)
		if err := e.store.Put(key, req.Value); err != nil {
			e.log.WithError(err).Debug("store rejected")
		}
	}
}

func contactsToRPC(contacts []Contact) []wire.RPCNode {
	out := make([]wire.RPCNode, 0, len(contacts))
	for _, c := range contacts {
		ip := net.ParseIP(c.IP).To4()
		id := make([]byte, identity.Size)
		copy(id, c.ID[:])
		out = append(out, wire.RPCNode{ID: id, IP: ip, Port: uint16(c.Port)})
	}
	return out
}

func rpcToContacts(nodes []wire.RPCNode) []Contact {
	out := make([]Contact, 0, len(nodes))
	for _, n := range nodes {
		var id identity.NodeID
		copy(id[:], n.ID)
		out = append(out, Contact{ID: id, IP: net.IP(n.IP).String(), Port: int(n.Port), LastSeen: time.Now()})
	}
	return out
}

// Ping sends a DHT_PING and waits for DHT_PONG, used both as a liveness
// check and (via HandleMessage) to add the responder to the routing table.
func (e *Engine) Ping(ctx context.Context, to Contact) error {
	payload, err := wire.EncodeRPC(wire.DHTPing{
		SenderID:   localIDBytes(e.Table.Local()),
		Expiration: uint64(time.Now().Add(expiration).Unix()),
	})
	if err != nil {
		return err
	}
	_, err = e.call(ctx, to, wire.TypeDHTPing, payload)
	return err
}

func localIDBytes(id identity.NodeID) []byte {
	b := make([]byte, identity.Size)
	copy(b, id[:])
	return b
}

// FindNodeRPC queries a single contact for its closest known contacts to
// target.
func (e *Engine) FindNodeRPC(ctx context.Context, to Contact, target identity.NodeID) ([]Contact, error) {
	payload, err := wire.EncodeRPC(wire.DHTFindNode{Target: localIDBytes(target), Expiration: uint64(time.Now().Add(expiration).Unix())})
	if err != nil {
		return nil, err
	}
	reply, err := e.call(ctx, to, wire.TypeDHTFindNode, payload)
	if err != nil {
		return nil, err
	}
	var decoded wire.DHTFindNodeReply
	if err := wire.DecodeRPC(reply, &decoded); err != nil {
		return nil, fmt.Errorf("dht: decode find_node reply: %w", err)
	}
	return rpcToContacts(decoded.Nodes), nil
}

// FindValueRPC queries a single contact for a value, returning either the
// value or a shortlist of closer contacts.
func (e *Engine) FindValueRPC(ctx context.Context, to Contact, key identity.NodeID) (value []byte, nodes []Contact, err error) {
	payload, err := wire.EncodeRPC(wire.DHTFindValue{Key: localIDBytes(key), Expiration: uint64(time.Now().Add(expiration).Unix())})
	if err != nil {
		return nil, nil, err
	}
	reply, err := e.call(ctx, to, wire.TypeDHTFindValue, payload)
	if err != nil {
		return nil, nil, err
	}
	var decoded wire.DHTFindValueReply
	if err := wire.DecodeRPC(reply, &decoded); err != nil {
		return nil, nil, fmt.Errorf("dht: decode find_value reply: %w", err)
	}
	if len(decoded.Value) > 0 {
		return decoded.Value, nil, nil
	}
	return nil, rpcToContacts(decoded.Nodes), nil
}

// StoreRPC asks a single contact to store key/value.
func (e *Engine) StoreRPC(to Contact, key identity.NodeID, value []byte) error {
	payload, err := wire.EncodeRPC(wire.DHTStore{Key: localIDBytes(key), Value: value, Expiration: uint64(time.Now().Add(expiration).Unix())})
	if err != nil {
		return err
	}
	seq := e.nextSeq()
	return e.transport.SendDHT(to, wire.TypeDHTStore, seq, payload)
}

// FindNode performs the standard iterative Kademlia node lookup: maintain a
// shortlist of K closest-known contacts, query alpha unqueried contacts in
// parallel, merge results, and terminate when the K closest have all been
// queried or no closer contact was returned, per spec §4.6.
func (e *Engine) FindNode(ctx context.Context, target identity.NodeID) []Contact {
	shortlist := e.Table.FindNode(target, K)
	queried := make(map[identity.NodeID]bool)

	for round := 0; round < 8; round++ {
		var candidates []Contact
		for _, c := range shortlist {
			if !queried[c.ID] {
				candidates = append(candidates, c)
				queried[c.ID] = true
				if len(candidates) == Alpha {
					break
				}
			}
		}
		if len(candidates) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		closerFound := false
		for _, c := range candidates {
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				nodes, err := e.FindNodeRPC(ctx, c, target)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, n := range nodes {
					if n.ID.Equal(e.Table.Local()) {
						continue
					}
					found := false
					for _, s := range shortlist {
						if s.ID.Equal(n.ID) {
							found = true
							break
						}
					}
					if !found {
						shortlist = append(shortlist, n)
						closerFound = true
					}
				}
			}(c)
		}
		wg.Wait()

		sort.Slice(shortlist, func(i, j int) bool {
			di := shortlist[i].ID.XOR(target)
			dj := shortlist[j].ID.XOR(target)
			return identity.Less(di, dj)
		})
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if !closerFound {
			break
		}
	}
	return shortlist
}

// Peek returns the value held in the local store for key, without
// consulting the network. Store always writes locally before replicating, so
// this also surfaces values this node holds only as a replica for another
// node's key, not just ones it published itself; callers that care about the
// distinction (the rendezvous directory, recovering its own membership after
// a restart) must check the decoded value's origin themselves.
func (e *Engine) Peek(key identity.NodeID) ([]byte, bool) {
	return e.store.Get(key)
}

// FindValue returns the value for key if any contact (including the local
// store) holds it; otherwise it returns the Alpha closest known contacts
// for the caller to continue an iterative search with, per spec §4.6.
func (e *Engine) FindValue(ctx context.Context, key identity.NodeID) ([]byte, []Contact, error) {
	if v, ok := e.store.Get(key); ok {
		return v, nil, nil
	}

	shortlist := e.Table.FindNode(key, K)
	queried := make(map[identity.NodeID]bool)

	for round := 0; round < 8; round++ {
		var candidates []Contact
		for _, c := range shortlist {
			if !queried[c.ID] {
				candidates = append(candidates, c)
				queried[c.ID] = true
				if len(candidates) == Alpha {
					break
				}
			}
		}
		if len(candidates) == 0 {
			break
		}

		type result struct {
			value []byte
			nodes []Contact
		}
		results := make(chan result, len(candidates))
		var wg sync.WaitGroup
		for _, c := range candidates {
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				v, nodes, err := e.FindValueRPC(ctx, c, key)
				if err != nil {
					return
				}
				results <- result{value: v, nodes: nodes}
			}(c)
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.value != nil {
				return r.value, nil, nil
			}
			for _, n := range r.nodes {
				found := false
				for _, s := range shortlist {
					if s.ID.Equal(n.ID) {
						found = true
						break
					}
				}
				if !found {
					shortlist = append(shortlist, n)
				}
			}
		}

		sort.Slice(shortlist, func(i, j int) bool {
			di := shortlist[i].ID.XOR(key)
			dj := shortlist[j].ID.XOR(key)
			return identity.Less(di, dj)
		})
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
	}
	if len(shortlist) > Alpha {
		shortlist = shortlist[:Alpha]
	}
	return nil, shortlist, nil
}

// Store stores value locally and replicates it to the Alpha closest known
// contacts to key.
func (e *Engine) Store(ctx context.Context, key identity.NodeID, value []byte) error {
	if err := e.store.Put(key, value); err != nil {
		return err
	}
	closest := e.FindNode(ctx, key)
	if len(closest) > Alpha {
		closest = closest[:Alpha]
	}
	for _, c := range closest {
		go func(c Contact) {
			if err := e.StoreRPC(c, key, value); err != nil {
				e.log.WithError(err).WithField("peer", c.ID).Debug("replicate store failed")
			}
		}(c)
	}
	return nil
}

// Refresh issues a find-node for a random id in the range of every bucket
// that has gone unrefreshed for RefreshInterval, and evicts entries unseen
// for more than twice that interval, per spec §4.6.
func (e *Engine) Refresh(ctx context.Context) {
	now := time.Now()
	for _, idx := range e.Table.StaleBuckets(RefreshInterval, now) {
		target := e.Table.RandomIDInBucket(idx)
		e.FindNode(ctx, target)
		e.Table.TouchBucket(idx)
	}
	evicted := e.Table.EvictStale(2*RefreshInterval, now)
	if evicted > 0 {
		e.log.WithField("count", evicted).Debug("evicted stale routing table entries")
	}
}

// RunRefreshLoop runs Refresh on RefreshInterval ticks until ctx is
// cancelled. One such task runs per node, per spec §5. The first tick is
// jittered so that a fleet of nodes started together doesn't converge on
// refreshing in lockstep.
func (e *Engine) RunRefreshLoop(ctx context.Context) {
	timer := time.NewTimer(jitter(RefreshInterval / 10))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.Refresh(ctx)
			timer.Reset(RefreshInterval)
		}
	}
}

// jitter returns a random duration in [0, max), used to avoid every node's
// refresh tasks firing in lockstep.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

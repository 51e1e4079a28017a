// Package rendezvous implements the key-to-endpoints directory (C8) layered
// on top of the DHT (C7): join publishes an endpoint tuple under sha1(key),
// leave tombstones it, and find queries the K closest DHT nodes for members.
package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadmesh/node/dht"
	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/wire"
)

func ipBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return net.ParseIP(s).To4()
}

func ipString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return net.IP(b).String()
}

// MaxKeyLen bounds a rendezvous key, per spec §4.7.
const MaxKeyLen = 63

// ErrKeyTooLong is returned when a key exceeds MaxKeyLen.
var ErrKeyTooLong = errors.New("rendezvous: key longer than 63 bytes")

// tombstoneMarker prefixes a leave record so a later lookup can tell a
// tombstoned membership apart from a live endpoint tuple sharing the same
// value-store slot. The source (spec §4.7) leaves leave() unimplemented
// beyond "should issue a delete tombstone with a timestamp"; this is the
// recorded design decision for what that tombstone looks like on the wire.
const tombstoneMarker = "TOMBSTONE:"

// EndpointTuple is the value published under a rendezvous key's DHT id.
type EndpointTuple struct {
	NodeID     identity.NodeID
	IP         string
	Port       int
	PublicIP   string
	PublicPort int
	BehindNAT  bool
}

func (t EndpointTuple) toWire() wire.RendezvousEndpointTuple {
	return wire.RendezvousEndpointTuple{
		NodeID:     idBytes(t.NodeID),
		IP:         ipBytes(t.IP),
		Port:       uint16(t.Port),
		PublicIP:   ipBytes(t.PublicIP),
		PublicPort: uint16(t.PublicPort),
		BehindNAT:  t.BehindNAT,
	}
}

func fromWire(w wire.RendezvousEndpointTuple) EndpointTuple {
	var id identity.NodeID
	copy(id[:], w.NodeID)
	return EndpointTuple{
		NodeID:     id,
		IP:         ipString(w.IP),
		Port:       int(w.Port),
		PublicIP:   ipString(w.PublicIP),
		PublicPort: int(w.PublicPort),
		BehindNAT:  w.BehindNAT,
	}
}

// Transport is the socket-facing half of the directory: it knows how to get
// a RENDEZVOUS_* datagram onto the wire. Mirrors dht.Transport's shape so
// both can share a single dispatcher send path.
type Transport interface {
	SendRendezvous(to dht.Contact, msgType wire.MessageType, seq uint32, payload []byte) error
}

// ConnectHandler is invoked when a query response or a CONNECT message
// names a peer the local node should start hole-punching toward, per
// spec §4.7's "the dispatcher likewise adds the peer and initiates
// hole-punching through C11+C9".
type ConnectHandler func(member EndpointTuple)

// Directory is the local node's rendezvous membership set and lookup
// engine, layered on a dht.Engine for storage and routing.
type Directory struct {
	engine    *dht.Engine
	transport Transport
	self      EndpointTuple
	log       *logrus.Entry

	mu       sync.Mutex
	memberOf map[string]bool
	seqCount uint32

	onConnect ConnectHandler
}

// New constructs a rendezvous directory for the local node.
func New(engine *dht.Engine, transport Transport, self EndpointTuple, onConnect ConnectHandler, logger *logrus.Logger) *Directory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Directory{
		engine:    engine,
		transport: transport,
		self:      self,
		log:       logger.WithField("component", "rendezvous"),
		memberOf:  make(map[string]bool),
		onConnect: onConnect,
	}
}

func keyID(key string) identity.NodeID {
	return identity.HashString(key)
}

// UpdateSelf replaces the locally published endpoint tuple. The node calls
// this once STUN discovery resolves a public address (or changes), so every
// subsequent JOIN/FIND/QUERY/RESPONSE this directory sends carries the
// current public_ip/public_port/behind_nat rather than whatever Build
// constructed self with before discovery ran, per spec §4.7's join-value
// contract.
func (d *Directory) UpdateSelf(self EndpointTuple) {
	d.mu.Lock()
	d.self = self
	d.mu.Unlock()
}

func (d *Directory) selfTuple() EndpointTuple {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

// Join inserts key into the local membership set, stores the local endpoint
// tuple under sha1(key) in the DHT, and announces the new membership to the
// closest nodes so already-joined members there can connect back without
// waiting on their own next Find, per spec §4.7.
func (d *Directory) Join(ctx context.Context, key string) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	payload, err := wire.EncodeRPC(d.selfTuple().toWire())
	if err != nil {
		return fmt.Errorf("rendezvous: encode endpoint tuple: %w", err)
	}
	if err := d.engine.Store(ctx, keyID(key), payload); err != nil {
		return fmt.Errorf("rendezvous: join %q: %w", key, err)
	}
	d.mu.Lock()
	d.memberOf[key] = true
	d.mu.Unlock()

	d.announce(ctx, key)
	return nil
}

// announce pushes a RENDEZVOUS_ANNOUNCE to the nodes closest to key's id, so
// peers already subscribed there learn of the new member eagerly.
func (d *Directory) announce(ctx context.Context, key string) {
	ann := wire.RendezvousAnnounce{Key: key, Sender: d.selfTuple().toWire()}
	payload, err := wire.EncodeRPC(ann)
	if err != nil {
		d.log.WithError(err).Warn("encode rendezvous announce")
		return
	}
	for _, c := range d.engine.FindNode(ctx, keyID(key)) {
		if err := d.transport.SendRendezvous(c, wire.TypeRendezvousAnnounce, d.nextSeq(), payload); err != nil {
			d.log.WithError(err).WithField("peer", c.ID).Debug("send rendezvous announce failed")
		}
	}
}

// Leave marks key inactive locally and overwrites the stored value with a
// timestamped tombstone so other nodes that later fetch it see the
// membership ended, rather than silently keeping a stale live entry
// (the tombstone design resolving spec §4.7's open leave() question).
func (d *Directory) Leave(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.memberOf, key)
	d.mu.Unlock()

	tomb := []byte(fmt.Sprintf("%s%d", tombstoneMarker, time.Now().Unix()))
	return d.engine.Store(ctx, keyID(key), tomb)
}

// IsMember reports whether the local node currently considers itself joined
// to key: from the in-memory set, or — recovering membership across a
// restart when the underlying DHT store is persisted (dht.OpenDiskStore) —
// because the local store still holds a live endpoint tuple this node
// published for key. A value found in the local store is only taken as
// membership when it decodes as an endpoint tuple naming this node, since
// Store also leaves replicas of other nodes' keys in the local store.
func (d *Directory) IsMember(key string) bool {
	d.mu.Lock()
	member := d.memberOf[key]
	d.mu.Unlock()
	if member {
		return true
	}

	raw, ok := d.engine.Peek(keyID(key))
	if !ok {
		return false
	}
	var tuple wire.RendezvousEndpointTuple
	if err := wire.DecodeRPC(raw, &tuple); err != nil {
		return false
	}
	if !bytes.Equal(tuple.NodeID, idBytes(d.selfTuple().NodeID)) {
		return false
	}

	d.mu.Lock()
	d.memberOf[key] = true
	d.mu.Unlock()
	return true
}

func (d *Directory) nextSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqCount++
	return d.seqCount
}

// Find resolves the K closest DHT nodes to key's id and queries each with a
// RENDEZVOUS_QUERY; members reply asynchronously with RENDEZVOUS_RESPONSE,
// handled by HandleMessage. Find itself only dispatches the queries.
func (d *Directory) Find(ctx context.Context, key string) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	id := keyID(key)
	closest := d.engine.FindNode(ctx, id)
	query := wire.RendezvousQuery{Key: key, Sender: d.selfTuple().toWire()}
	payload, err := wire.EncodeRPC(query)
	if err != nil {
		return fmt.Errorf("rendezvous: encode query: %w", err)
	}
	for _, c := range closest {
		seq := d.nextSeq()
		if err := d.transport.SendRendezvous(c, wire.TypeRendezvousQuery, seq, payload); err != nil {
			d.log.WithError(err).WithField("peer", c.ID).Debug("send rendezvous query failed")
		}
	}
	return nil
}

// HandleMessage processes an inbound RENDEZVOUS_* frame.
func (d *Directory) HandleMessage(from dht.Contact, msgType wire.MessageType, seq uint32, payload []byte) {
	switch msgType {
	case wire.TypeRendezvousQuery:
		var q wire.RendezvousQuery
		if err := wire.DecodeRPC(payload, &q); err != nil {
			d.log.WithError(err).Warn("decode rendezvous query")
			return
		}
		if !d.IsMember(q.Key) {
			return
		}
		resp := wire.RendezvousResponse{Key: q.Key, Member: d.selfTuple().toWire()}
		enc, err := wire.EncodeRPC(resp)
		if err != nil {
			d.log.WithError(err).Warn("encode rendezvous response")
			return
		}
		if err := d.transport.SendRendezvous(from, wire.TypeRendezvousResponse, seq, enc); err != nil {
			d.log.WithError(err).Debug("send rendezvous response failed")
		}

	case wire.TypeRendezvousResponse:
		var resp wire.RendezvousResponse
		if err := wire.DecodeRPC(payload, &resp); err != nil {
			d.log.WithError(err).Warn("decode rendezvous response")
			return
		}
		member := fromWire(resp.Member)
		connect := wire.RendezvousConnect{Key: resp.Key, Sender: d.selfTuple().toWire()}
		enc, err := wire.EncodeRPC(connect)
		if err != nil {
			d.log.WithError(err).Warn("encode rendezvous connect")
			return
		}
		target := dht.Contact{ID: member.NodeID, IP: member.IP, Port: member.Port}
		if err := d.transport.SendRendezvous(target, wire.TypeRendezvousConnect, d.nextSeq(), enc); err != nil {
			d.log.WithError(err).Debug("send rendezvous connect failed")
		}
		if d.onConnect != nil {
			d.onConnect(member)
		}

	case wire.TypeRendezvousConnect:
		var c wire.RendezvousConnect
		if err := wire.DecodeRPC(payload, &c); err != nil {
			d.log.WithError(err).Warn("decode rendezvous connect")
			return
		}
		member := fromWire(c.Sender)
		if d.onConnect != nil {
			d.onConnect(member)
		}

	case wire.TypeRendezvousAnnounce:
		var ann wire.RendezvousAnnounce
		if err := wire.DecodeRPC(payload, &ann); err != nil {
			d.log.WithError(err).Warn("decode rendezvous announce")
			return
		}
		if !d.IsMember(ann.Key) {
			return
		}
		member := fromWire(ann.Sender)
		if d.onConnect != nil {
			d.onConnect(member)
		}
	}
}

func idBytes(id identity.NodeID) []byte {
	b := make([]byte, identity.Size)
	copy(b, id[:])
	return b
}

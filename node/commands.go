package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kadmesh/node/dht"
	"github.com/kadmesh/node/ice"
	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/wire"
)

// ErrUnknownPeer is returned by SendData when toPeerID is not in the peer table.
var ErrUnknownPeer = errors.New("node: unknown peer id")

// ErrDHTNotEnabled / ErrRendezvousNotEnabled are returned when a command
// targets a subsystem Config did not enable.
var (
	ErrDHTNotEnabled        = errors.New("node: dht not enabled")
	ErrRendezvousNotEnabled = errors.New("node: rendezvous not enabled")
)

// ErrNoRelay is returned by SendData when a peer's selected ICE pair is
// relayed but this node has no active TURN allocation to send through.
var ErrNoRelay = errors.New("node: no active turn allocation for relayed send")

// SendData sends a DATA frame to a known peer, per the cmd-loop's "send"
// command (spec §6). It uses C3 (direct) unless ICE selected a relayed
// candidate pair for this peer, in which case it uses C5 (relayed), per
// spec §4.2.
func (n *Node) SendData(toPeerID int32, payload []byte) error {
	rec, ok := n.peers.Lookup(toPeerID)
	if !ok {
		return ErrUnknownPeer
	}
	if pair, ok := n.selectedPair(toPeerID); ok && pair.Local.Kind == ice.KindRelayed {
		return n.sendRelayed(toPeerID, pair.Remote, payload)
	}
	addr := &net.UDPAddr{IP: net.ParseIP(rec.Local.IP), Port: rec.Local.Port}
	return n.sendFrame(addr, wire.TypeData, n.nextSeq(), toPeerID, payload)
}

// sendRelayed wraps payload in a PeerFrame and forwards it through the
// node's TURN allocation to remote, installing a permission first if one
// has not already been created for this peer.
func (n *Node) sendRelayed(toPeerID int32, remote ice.Candidate, payload []byte) error {
	if n.turn == nil {
		return ErrNoRelay
	}
	if err := n.turn.CreatePermission(remote.IP, remote.Port); err != nil {
		return fmt.Errorf("node: turn create-permission: %w", err)
	}
	frame := wire.PeerFrame{Type: wire.TypeData, Seq: n.nextSeq(), FromID: identityToHandle(n.local), ToID: toPeerID, Data: payload}
	encoded, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("node: encode frame: %w", err)
	}
	return n.turn.Send(remote.IP, remote.Port, encoded)
}

// FindDHTNode runs an iterative DHT lookup for key and returns the closest
// contacts found, per the cmd-loop's "find dht" command.
func (n *Node) FindDHTNode(key identity.NodeID) ([]dht.Contact, error) {
	if n.dht == nil {
		return nil, ErrDHTNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.dht.FindNode(ctx, key), nil
}

// StoreDHTValue stores value under key's DHT id, replicating to the Alpha
// closest known nodes, per the cmd-loop's "store dht" command and spec
// §4.6's store operation.
func (n *Node) StoreDHTValue(key string, value []byte) error {
	if n.dht == nil {
		return ErrDHTNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.dht.Store(ctx, identity.HashString(key), value)
}

// FindDHTValue resolves key's value: a local-store hit, or (on miss) the
// closest known nodes for the caller to query next, per spec §4.6's
// find-value operation and the cmd-loop's "get dht" command.
func (n *Node) FindDHTValue(key string) ([]byte, []dht.Contact, error) {
	if n.dht == nil {
		return nil, nil, ErrDHTNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.dht.FindValue(ctx, identity.HashString(key))
}

// JoinRendezvous publishes this node's endpoint tuple under key.
func (n *Node) JoinRendezvous(key string) error {
	if n.rendezvous == nil {
		return ErrRendezvousNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.rendezvous.Join(ctx, key)
}

// LeaveRendezvous tombstones this node's membership under key.
func (n *Node) LeaveRendezvous(key string) error {
	if n.rendezvous == nil {
		return ErrRendezvousNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.rendezvous.Leave(ctx, key)
}

// FindRendezvous queries key's rendezvous group for members, triggering
// onRendezvousConnect for each reply.
func (n *Node) FindRendezvous(key string) error {
	if n.rendezvous == nil {
		return ErrRendezvousNotEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.rendezvous.Find(ctx, key)
}

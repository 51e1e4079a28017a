package node

import (
	"context"
	"net"
	"time"

	"github.com/kadmesh/node/dht"
	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/netio"
	"github.com/kadmesh/node/peertable"
	"github.com/kadmesh/node/wire"
)

// receiveLoop owns the UDP socket's read side exclusively, per spec §5.
// Every datagram is classified by wire.LooksLikeSTUN, which checks both the
// STUN header's top-bit convention and its magic cookie (spec §4.1).
func (n *Node) receiveLoop(ctx context.Context) {
	buf := make([]byte, wire.MaxFrameLen+256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, from, err := n.socket.Receive(buf)
		if err != nil {
			if netio.IsTimeout(err) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				n.log.WithError(err).Debug("receive failed")
				continue
			}
		}
		n.dispatch(buf[:raw], from)
	}
}

func (n *Node) dispatch(raw []byte, from *net.UDPAddr) {
	if len(raw) == 0 {
		return
	}
	if wire.LooksLikeSTUN(raw) {
		// STUN/TURN responses are read synchronously by the
		// request/response transactions in stunclient/turnclient over
		// their own short-lived sockets; this socket never receives
		// unsolicited STUN/TURN traffic in the current deployment, so
		// frames matching that leading-bit pattern here are dropped per
		// spec §7's protocol-error handling.
		n.log.Debug("dropped unexpected stun/turn-shaped datagram on peer socket")
		return
	}

	frame, err := wire.DecodePeerFrame(raw)
	if err != nil {
		n.log.WithError(err).Debug("dropped malformed peer frame")
		return
	}

	contact := dht.Contact{IP: from.IP.String(), Port: from.Port, LastSeen: time.Now()}

	switch frame.Type {
	case wire.TypeData:
		n.touchSender(frame.FromID, from)
		n.log.WithField("from", frame.FromID).WithField("bytes", len(frame.Data)).Debug("received data frame")

	case wire.TypePing:
		n.touchSender(frame.FromID, from)
		if err := n.sendFrame(from, wire.TypePong, frame.Seq, frame.FromID, nil); err != nil {
			n.log.WithError(err).Debug("send pong failed")
		}

	case wire.TypePong:
		n.touchSender(frame.FromID, from)

	case wire.TypeNATTraversal:
		n.touchSender(frame.FromID, from)

	case wire.TypePeerList:
		n.touchSender(frame.FromID, from)
		n.importPeerList(frame.Data)

	case wire.TypeDHTPing, wire.TypeDHTPong, wire.TypeDHTFindNode, wire.TypeDHTFindNodeReply,
		wire.TypeDHTFindValue, wire.TypeDHTFindValueReply, wire.TypeDHTStore:
		if n.dht == nil {
			return
		}
		contact.ID = senderNodeID(n, frame.FromID, contact)
		n.dht.HandleMessage(contact, frame.Type, frame.Seq, frame.Data)

	case wire.TypeRendezvousAnnounce, wire.TypeRendezvousQuery, wire.TypeRendezvousResponse, wire.TypeRendezvousConnect:
		if n.rendezvous == nil {
			return
		}
		contact.ID = senderNodeID(n, frame.FromID, contact)
		n.rendezvous.HandleMessage(contact, frame.Type, frame.Seq, frame.Data)

	default:
		n.log.WithField("type", frame.Type).Debug("dropped frame of unknown type")
	}
}

// handleRelayedFrame routes a payload the TURN relay delivered via
// DATA_INDICATION (a peer that selected our relayed candidate) through the
// same dispatch path a directly-received datagram takes, per spec §4.8's
// "uses C3 (direct) or C5 (relayed) to transmit".
func (n *Node) handleRelayedFrame(ip net.IP, port int, payload []byte) {
	n.dispatch(payload, &net.UDPAddr{IP: ip, Port: port})
}

// senderNodeID resolves a peer-table handle back to a 160-bit node id when
// known; DHT/rendezvous contacts that have not yet been through
// SetNodeID fall back to a handle-derived placeholder so routing-table
// insertion still has a stable (if provisional) 160-bit key.
func senderNodeID(n *Node, fromID int32, contact dht.Contact) identity.NodeID {
	if rec, ok := n.peers.Lookup(fromID); ok && rec.HasNodeID {
		return rec.NodeID
	}
	return identity.FromString(int(fromID), contact.IP, contact.Port)
}

func (n *Node) touchSender(peerID int32, from *net.UDPAddr) {
	if _, ok := n.peers.Lookup(peerID); !ok {
		local := peertable.Endpoint{IP: from.IP.String(), Port: from.Port}
		if err := n.peers.AddOrUpdate(peerID, local, nil); err != nil {
			n.log.WithError(err).Debug("add_or_update on first contact failed")
			return
		}
		// Liveness with peerID was just established for the first time;
		// share what we know of the rest of the swarm, per spec §4.10.
		go func() {
			if err := n.SendPeerList(peerID); err != nil {
				n.log.WithError(err).WithField("peer", peerID).Debug("send peer list on first contact failed")
			}
		}()
	}
	n.peers.Touch(peerID)
}

// maintenanceLoop runs at 1 Hz: keepalive pings, reconnect probes for
// peers gone quiet past ProbeAfter, and reaping of peers silent past
// ReapAfter, per spec §4.10.
func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	lastKeepalive := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastKeepalive) >= KeepaliveInterval {
				lastKeepalive = now
				n.sendKeepalives()
			}
			n.probeAndReap(now)
		}
	}
}

func (n *Node) sendKeepalives() {
	for _, rec := range n.peers.All() {
		addr := &net.UDPAddr{IP: net.ParseIP(rec.Local.IP), Port: rec.Local.Port}
		if err := n.sendFrame(addr, wire.TypePing, n.nextSeq(), rec.PeerID, nil); err != nil {
			n.log.WithError(err).WithField("peer", rec.PeerID).Debug("keepalive ping failed")
		}
	}
}

func (n *Node) probeAndReap(now time.Time) {
	for _, id := range n.peers.Reap(now) {
		n.log.WithField("peer", id).Debug("reaped silent peer")
	}
	for _, rec := range n.peers.All() {
		if now.Sub(rec.LastSeen) > ProbeAfter {
			go n.HolePunch(rec.PeerID)
			addr := &net.UDPAddr{IP: net.ParseIP(rec.Local.IP), Port: rec.Local.Port}
			if err := n.sendFrame(addr, wire.TypePing, n.nextSeq(), rec.PeerID, nil); err != nil {
				n.log.WithError(err).WithField("peer", rec.PeerID).Debug("reconnect ping failed")
			}
		}
	}
}

// HolePunch sends a burst of empty NAT_TRAVERSAL datagrams to a peer's
// presumed public endpoint, and (in firewall-bypass mode) to every
// firewall-friendly port, per spec §4.10.
func (n *Node) HolePunch(peerID int32) {
	rec, ok := n.peers.Lookup(peerID)
	if !ok {
		return
	}
	target := rec.Local
	if rec.HasPublic {
		target = rec.Public
	}
	ip := net.ParseIP(target.IP)
	if ip == nil {
		return
	}

	for i := 0; i < HolePunchAttempts; i++ {
		addr := &net.UDPAddr{IP: ip, Port: target.Port}
		if err := n.sendFrame(addr, wire.TypeNATTraversal, n.nextSeq(), peerID, nil); err != nil {
			n.log.WithError(err).Debug("hole punch datagram failed")
		}
		time.Sleep(HolePunchInterval)
	}

	if n.cfg.FirewallBypass {
		for _, port := range netio.FirewallFriendlyPorts {
			addr := &net.UDPAddr{IP: ip, Port: port}
			if err := n.sendFrame(addr, wire.TypeNATTraversal, n.nextSeq(), peerID, nil); err != nil {
				n.log.WithError(err).Debug("firewall-bypass hole punch datagram failed")
			}
			time.Sleep(HolePunchBypassInterval)
		}
	}
}

// SendPeerList sends toPeerID a PEER_LIST enumerating every other known
// peer, per spec §4.10. Called once liveness with a new peer is
// established.
func (n *Node) SendPeerList(toPeerID int32) error {
	rec, ok := n.peers.Lookup(toPeerID)
	if !ok {
		return nil
	}
	var entries []wire.PeerListEntry
	for _, other := range n.peers.All() {
		if other.PeerID == toPeerID {
			continue
		}
		entries = append(entries, wire.PeerListEntry{
			ID:         other.PeerID,
			IP:         other.Local.IP,
			Port:       other.Local.Port,
			PublicIP:   other.Public.IP,
			PublicPort: other.Public.Port,
			IsPublic:   other.IsPublic,
		})
	}
	addr := &net.UDPAddr{IP: net.ParseIP(rec.Local.IP), Port: rec.Local.Port}
	return n.sendFrame(addr, wire.TypePeerList, n.nextSeq(), toPeerID, wire.EncodePeerList(entries))
}

// importPeerList imports every previously-unknown entry, optionally
// triggering hole-punching for peers not already known to be public,
// per spec §4.10.
func (n *Node) importPeerList(data []byte) {
	entries, err := wire.DecodePeerList(data)
	if err != nil {
		n.log.WithError(err).Debug("malformed peer list")
		return
	}
	for _, e := range entries {
		if _, known := n.peers.Lookup(e.ID); known {
			continue
		}
		local := peertable.Endpoint{IP: e.IP, Port: e.Port}
		var public *peertable.Endpoint
		if e.PublicIP != "" {
			public = &peertable.Endpoint{IP: e.PublicIP, Port: e.PublicPort}
		}
		if err := n.peers.AddOrUpdate(e.ID, local, public); err != nil {
			n.log.WithError(err).Debug("peer list import add_or_update failed")
			continue
		}
		if !e.IsPublic {
			go n.HolePunch(e.ID)
		}
	}
}

// dhtTransport adapts Node to dht.Transport, wrapping DHT RPC payloads in
// a PeerFrame addressed by IP:port (DHT contacts are not necessarily in
// the peer table yet).
type dhtTransport struct{ n *Node }

func (t dhtTransport) SendDHT(to dht.Contact, msgType wire.MessageType, seq uint32, payload []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(to.IP), Port: to.Port}
	return t.n.sendFrame(addr, msgType, seq, t.n.peerIDFor(to), payload)
}

// rendezvousTransport adapts Node to rendezvous.Transport the same way.
type rendezvousTransport struct{ n *Node }

func (t rendezvousTransport) SendRendezvous(to dht.Contact, msgType wire.MessageType, seq uint32, payload []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(to.IP), Port: to.Port}
	return t.n.sendFrame(addr, msgType, seq, t.n.peerIDFor(to), payload)
}

// peerIDFor resolves to's peer-table handle when to is already a known peer,
// so an outgoing DHT/rendezvous frame carries a meaningful ToID rather than
// always 0; most DHT/rendezvous contacts are not yet in the peer table, in
// which case 0 is all that's available.
func (n *Node) peerIDFor(to dht.Contact) int32 {
	if rec, ok := n.peers.LookupByNodeID(to.ID); ok {
		return rec.PeerID
	}
	return 0
}

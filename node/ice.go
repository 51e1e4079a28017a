package node

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kadmesh/node/ice"
	"github.com/kadmesh/node/turnclient"
	"github.com/kadmesh/node/wire"
)

// ErrICENotEnabled is returned by ICE operations when Config.ICE was not set.
var ErrICENotEnabled = fmt.Errorf("node: ice not enabled")

// StartICE gathers local candidates for a connectivity-establishment attempt
// toward peerID (host, server-reflexive if STUN has resolved one, relayed if
// a TURN allocation is active), adds the peer's known endpoints as remote
// candidates, and returns the selected pair, per spec §4.8.
func (n *Node) StartICE(peerID int32, controlling bool) (*ice.Pair, error) {
	if n.ice == nil {
		return nil, ErrICENotEnabled
	}
	rec, ok := n.peers.Lookup(peerID)
	if !ok {
		return nil, ErrUnknownPeer
	}

	session := n.ice.session(peerID, controlling)

	host := net.UDPAddr{IP: net.ParseIP(n.cfg.AdvertisedIP), Port: n.socket.Port}
	var srflx *net.UDPAddr
	if ip, port, behindNAT := n.PublicAddress(); behindNAT && ip != "" {
		srflx = &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	}
	var relayed *net.UDPAddr
	if n.turn != nil && n.turn.State() == turnclient.StateAllocated {
		relay := n.turn.RelayedAddress()
		relayed = &net.UDPAddr{IP: relay.IP, Port: relay.Port}
	}
	session.GatherLocalCandidates(host, srflx, relayed)

	session.AddRemoteCandidate(ice.KindHost, net.ParseIP(rec.Local.IP), rec.Local.Port, ice.Priority(ice.KindHost))
	if rec.HasPublic {
		session.AddRemoteCandidate(ice.KindServerReflexive, net.ParseIP(rec.Public.IP), rec.Public.Port, ice.Priority(ice.KindServerReflexive))
	}

	pair := session.SelectPair()
	if pair != nil {
		n.ice.startKeepaliveOnce(peerID, func() { go n.runICEKeepalive(n.done, peerID) })
	}
	return pair, nil
}

// runICEKeepalive sends a PING to peerID's selected pair every
// ice.KeepaliveInterval and treats peer-table activity observed since the
// previous tick as the keepalive result, transitioning the session to
// disconnected after ice.KeepaliveFailureThreshold consecutive failures,
// per spec §4.8.
func (n *Node) runICEKeepalive(done <-chan struct{}, peerID int32) {
	ticker := time.NewTicker(ice.KeepaliveInterval)
	defer ticker.Stop()

	var lastSeen time.Time
	if rec, ok := n.peers.Lookup(peerID); ok {
		lastSeen = rec.LastSeen
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pair, ok := n.selectedPair(peerID)
			if !ok {
				return
			}

			rec, known := n.peers.Lookup(peerID)
			success := known && rec.LastSeen.After(lastSeen)
			if known {
				lastSeen = rec.LastSeen
			}
			n.ice.recordKeepalive(peerID, success)
			if success {
				n.ice.complete(peerID)
			}

			if state, ok := n.ICEState(peerID); ok && (state == ice.StateDisconnected || state == ice.StateClosed) {
				return
			}

			addr := &net.UDPAddr{IP: pair.Remote.IP, Port: pair.Remote.Port}
			if err := n.sendFrame(addr, wire.TypePing, n.nextSeq(), peerID, nil); err != nil {
				n.log.WithError(err).WithField("peer", peerID).Debug("ice keepalive ping failed")
			}
		}
	}
}

// iceSessions tracks one ICE session and whether a keepalive loop has been
// started, per peer the node has attempted connectivity establishment with.
// The selected pair itself lives only in the ice.Session (via SelectPair),
// not duplicated here, so there is one authority for it across selection,
// keepalive, and completion.
type iceSessions struct {
	mu               sync.Mutex
	byPeer           map[int32]*ice.Session
	keepaliveStarted map[int32]bool
}

func newICESessions() *iceSessions {
	return &iceSessions{
		byPeer:           make(map[int32]*ice.Session),
		keepaliveStarted: make(map[int32]bool),
	}
}

func (s *iceSessions) session(peerID int32, controlling bool) *ice.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byPeer[peerID]; ok {
		return existing
	}
	sess := ice.NewSession(controlling, uint64(peerID))
	s.byPeer[peerID] = sess
	return sess
}

// startKeepaliveOnce runs start exactly once per peerID, so repeated
// StartICE calls against the same peer don't pile up keepalive goroutines.
func (s *iceSessions) startKeepaliveOnce(peerID int32, start func()) {
	s.mu.Lock()
	if s.keepaliveStarted[peerID] {
		s.mu.Unlock()
		return
	}
	s.keepaliveStarted[peerID] = true
	s.mu.Unlock()
	start()
}

func (s *iceSessions) recordKeepalive(peerID int32, ok bool) {
	s.mu.Lock()
	sess, known := s.byPeer[peerID]
	s.mu.Unlock()
	if !known {
		return
	}
	sess.RecordKeepaliveResult(ok)
}

// complete marks peerID's session completed once a keepalive round trip has
// confirmed the selected pair actually carries traffic, per spec §4.8's
// connected → completed transition.
func (s *iceSessions) complete(peerID int32) {
	s.mu.Lock()
	sess, known := s.byPeer[peerID]
	s.mu.Unlock()
	if !known {
		return
	}
	sess.Complete()
}

// selectedPair returns the candidate pair currently selected for peerID, if
// ICE is enabled and a session has selected one.
func (n *Node) selectedPair(peerID int32) (*ice.Pair, bool) {
	if n.ice == nil {
		return nil, false
	}
	n.ice.mu.Lock()
	sess, ok := n.ice.byPeer[peerID]
	n.ice.mu.Unlock()
	if !ok {
		return nil, false
	}
	pair, ok := sess.SelectedPair()
	if !ok {
		return nil, false
	}
	return &pair, true
}

// ICEState reports the lifecycle state of peerID's ICE session, if any has
// been started.
func (n *Node) ICEState(peerID int32) (ice.SessionState, bool) {
	if n.ice == nil {
		return 0, false
	}
	n.ice.mu.Lock()
	sess, ok := n.ice.byPeer[peerID]
	n.ice.mu.Unlock()
	if !ok {
		return 0, false
	}
	return sess.State(), true
}

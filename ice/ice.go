// Package ice implements the connectivity-establishment candidate
// gathering, prioritization, and pair-selection logic (C9), per RFC 5245's
// priority formulas, without the per-pair STUN connectivity checks the
// source omits (spec §4.8 notes this as an accepted deviation).
package ice

import (
	"net"
	"sync"
	"time"
)

// CandidateKind identifies how a candidate endpoint was discovered.
type CandidateKind int

const (
	KindHost CandidateKind = iota
	KindServerReflexive
	KindRelayed
)

func (k CandidateKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is the RFC 5245 type preference per candidate kind.
func (k CandidateKind) typePreference() uint32 {
	switch k {
	case KindHost:
		return 126
	case KindServerReflexive:
		return 100
	case KindRelayed:
		return 0
	default:
		return 0
	}
}

// MaxCandidates bounds how many local or remote candidates a session holds,
// per spec §3/§4.8.
const MaxCandidates = 10

// component and localPref are fixed by spec §3's priority formula; this
// implementation never negotiates multiple components or local preference
// tiers.
const component = 1
const localPref = 1

// Candidate is one gathered or received endpoint.
type Candidate struct {
	Kind       CandidateKind
	IP         net.IP
	Port       int
	Priority   uint32
	Nominated  bool
}

// Priority computes the RFC 5245 candidate priority:
// (type_pref<<24) | (local_pref<<8) | (256 - component).
func Priority(kind CandidateKind) uint32 {
	return (kind.typePreference() << 24) | (uint32(localPref) << 8) | uint32(256-component)
}

// PairPriority computes the RFC 5245 pair priority given the controlling
// side's candidate priority g and the controlled side's d:
// 2^32 * min(g,d) + 2*max(g,d) + [g>d].
func PairPriority(g, d uint32) uint64 {
	lo, hi := uint64(g), uint64(d)
	min, max := lo, hi
	if lo > hi {
		min, max = hi, lo
	}
	result := (uint64(1)<<32)*min + 2*max
	if g > d {
		result++
	}
	return result
}

// SessionState is the ICE session lifecycle, per spec §3.
type SessionState int

const (
	StateNew SessionState = iota
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KeepaliveInterval is how often a keepalive is sent on the selected pair
// while connected, per spec §4.8.
const KeepaliveInterval = 10 * time.Second

// KeepaliveFailureThreshold is the number of consecutive keepalive
// failures that transitions a session to disconnected.
const KeepaliveFailureThreshold = 3

// Pair is a selected (local, remote) candidate pair.
type Pair struct {
	Local     Candidate
	Remote    Candidate
	Priority  uint64
	Nominated bool
}

// Session is one ICE connectivity-establishment attempt toward a single
// remote party.
type Session struct {
	mu sync.Mutex

	Controlling bool
	Tiebreaker  uint64

	local  []Candidate
	remote []Candidate
	pair   *Pair
	state  SessionState

	keepaliveFailures int
}

// NewSession constructs a session in the new state.
func NewSession(controlling bool, tiebreaker uint64) *Session {
	return &Session{Controlling: controlling, Tiebreaker: tiebreaker, state: StateNew}
}

// State returns the session's current lifecycle stage.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddLocalCandidate appends a gathered local candidate with its priority
// computed, bounded at MaxCandidates.
func (s *Session) AddLocalCandidate(kind CandidateKind, ip net.IP, port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.local) >= MaxCandidates {
		return false
	}
	s.local = append(s.local, Candidate{Kind: kind, IP: ip, Port: port, Priority: Priority(kind)})
	return true
}

// AddRemoteCandidate records a candidate supplied by the application
// (typically carried over DHT/rendezvous signaling), bounded at
// MaxCandidates.
func (s *Session) AddRemoteCandidate(kind CandidateKind, ip net.IP, port int, priority uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remote) >= MaxCandidates {
		return false
	}
	s.remote = append(s.remote, Candidate{Kind: kind, IP: ip, Port: port, Priority: priority})
	return true
}

// GatherLocalCandidates populates the session's local candidate set from
// the host endpoint, an optional server-reflexive endpoint (if the node is
// behind NAT), and an optional relayed endpoint (if a TURN allocation is
// allocated), per spec §4.8.
func (s *Session) GatherLocalCandidates(host net.UDPAddr, srflx *net.UDPAddr, relayed *net.UDPAddr) {
	s.AddLocalCandidate(KindHost, host.IP, host.Port)
	if srflx != nil {
		s.AddLocalCandidate(KindServerReflexive, srflx.IP, srflx.Port)
	}
	if relayed != nil {
		s.AddLocalCandidate(KindRelayed, relayed.IP, relayed.Port)
	}
}

// SelectPair computes the pair priority for every (local, remote) cross
// product and selects the maximum-priority pair, per spec §4.8. If no
// candidates exist on either side, the session transitions to failed.
func (s *Session) SelectPair() *Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateChecking

	if len(s.local) == 0 || len(s.remote) == 0 {
		s.state = StateFailed
		return nil
	}

	var best *Pair
	for _, l := range s.local {
		for _, r := range s.remote {
			g, d := l.Priority, r.Priority
			if !s.Controlling {
				g, d = r.Priority, l.Priority
			}
			p := PairPriority(g, d)
			if best == nil || p > best.Priority {
				lCopy, rCopy := l, r
				best = &Pair{Local: lCopy, Remote: rCopy, Priority: p}
			}
		}
	}

	if best == nil {
		s.state = StateFailed
		return nil
	}

	best.Nominated = true
	best.Local.Nominated = true
	best.Remote.Nominated = true
	s.pair = best
	s.state = StateConnected
	return best
}

// SelectedPair returns the currently selected pair, if any.
func (s *Session) SelectedPair() (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return Pair{}, false
	}
	return *s.pair, true
}

// RecordKeepaliveResult updates the session's failure count; after
// KeepaliveFailureThreshold consecutive failures the session transitions
// to disconnected, per spec §4.8. A success resets the counter.
func (s *Session) RecordKeepaliveResult(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateCompleted {
		return
	}
	if ok {
		s.keepaliveFailures = 0
		return
	}
	s.keepaliveFailures++
	if s.keepaliveFailures >= KeepaliveFailureThreshold {
		s.state = StateDisconnected
	}
}

// Complete transitions a connected session to completed, signaling the
// selected pair has been confirmed by application-level traffic.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.state = StateCompleted
	}
}

// Close transitions the session to closed from any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

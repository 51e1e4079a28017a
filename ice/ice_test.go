package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdersHostAboveSrflxAboveRelay(t *testing.T) {
	host := Priority(KindHost)
	srflx := Priority(KindServerReflexive)
	relay := Priority(KindRelayed)
	assert.Greater(t, host, srflx)
	assert.Greater(t, srflx, relay)
}

func TestPriorityMatchesRFC5245Formula(t *testing.T) {
	// type_pref=126, local_pref=1, component=1 -> (126<<24)|(1<<8)|255
	want := (uint32(126) << 24) | (uint32(1) << 8) | uint32(255)
	assert.Equal(t, want, Priority(KindHost))
}

func TestPairPriorityIsOrderDependentOnGreaterFlag(t *testing.T) {
	p1 := PairPriority(100, 50)
	p2 := PairPriority(50, 100)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, p1-1, p2)
}

func TestSelectPairPicksMaxPriorityAndNominates(t *testing.T) {
	s := NewSession(true, 42)
	s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000)
	s.AddLocalCandidate(KindServerReflexive, net.IPv4(203, 0, 113, 1), 9001)
	s.AddRemoteCandidate(KindHost, net.IPv4(10, 0, 0, 2), 9100, Priority(KindHost))
	s.AddRemoteCandidate(KindRelayed, net.IPv4(198, 51, 100, 1), 9200, Priority(KindRelayed))

	pair := s.SelectPair()
	require.NotNil(t, pair)
	assert.Equal(t, KindHost, pair.Local.Kind)
	assert.Equal(t, KindHost, pair.Remote.Kind)
	assert.True(t, pair.Nominated)
	assert.Equal(t, StateConnected, s.State())
}

func TestSelectPairFailsWithNoRemoteCandidates(t *testing.T) {
	s := NewSession(true, 1)
	s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000)

	pair := s.SelectPair()
	assert.Nil(t, pair)
	assert.Equal(t, StateFailed, s.State())
}

func TestCompleteTransitionsConnectedSessionAndSelectedPairReflectsIt(t *testing.T) {
	s := NewSession(true, 1)
	s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000)
	s.AddRemoteCandidate(KindHost, net.IPv4(10, 0, 0, 2), 9100, Priority(KindHost))
	selected := s.SelectPair()
	require.NotNil(t, selected)

	pair, ok := s.SelectedPair()
	require.True(t, ok)
	assert.Equal(t, *selected, pair)

	s.Complete()
	assert.Equal(t, StateCompleted, s.State())

	// A keepalive success recorded after completion must not regress the
	// state back to connected.
	s.RecordKeepaliveResult(true)
	assert.Equal(t, StateCompleted, s.State())
}

func TestCompleteIsNoopOutsideConnectedState(t *testing.T) {
	s := NewSession(true, 1)
	s.Complete()
	assert.Equal(t, StateNew, s.State())
}

func TestKeepaliveFailuresDisconnectAfterThreshold(t *testing.T) {
	s := NewSession(true, 1)
	s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000)
	s.AddRemoteCandidate(KindHost, net.IPv4(10, 0, 0, 2), 9100, Priority(KindHost))
	require.NotNil(t, s.SelectPair())

	s.RecordKeepaliveResult(false)
	s.RecordKeepaliveResult(false)
	assert.Equal(t, StateConnected, s.State())
	s.RecordKeepaliveResult(false)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestKeepaliveSuccessResetsFailureCount(t *testing.T) {
	s := NewSession(true, 1)
	s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000)
	s.AddRemoteCandidate(KindHost, net.IPv4(10, 0, 0, 2), 9100, Priority(KindHost))
	require.NotNil(t, s.SelectPair())

	s.RecordKeepaliveResult(false)
	s.RecordKeepaliveResult(false)
	s.RecordKeepaliveResult(true)
	s.RecordKeepaliveResult(false)
	s.RecordKeepaliveResult(false)
	assert.Equal(t, StateConnected, s.State())
}

func TestCandidatesAreBoundedAtMax(t *testing.T) {
	s := NewSession(true, 1)
	for i := 0; i < MaxCandidates+5; i++ {
		s.AddLocalCandidate(KindHost, net.IPv4(10, 0, 0, 1), 9000+i)
	}
	assert.Len(t, s.local, MaxCandidates)
}

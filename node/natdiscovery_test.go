package node

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/stunclient"
)

// startFakeMalformedSTUNServer answers every datagram with garbage that
// fails stunclient's response validation, so Discover fails fast without
// waiting out stunclient.Timeout.
func startFakeMalformedSTUNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP([]byte{0xff, 0xff, 0xff, 0xff}, addr)
		}
	}()

	return conn.LocalAddr().String()
}

// TestDiscoverPublicAddressLeavesBehindNATFalseOnFailure covers spec
// §4.3's failure policy: a failed binding transaction must leave the
// node's NAT status as not-behind-NAT, never flip it to true.
func TestDiscoverPublicAddressLeavesBehindNATFalseOnFailure(t *testing.T) {
	n := buildTestNode(t, 1)
	n.stun = stunclient.New(startFakeMalformedSTUNServer(t), testLogger())

	require.Error(t, n.DiscoverPublicAddress())

	_, _, behindNAT := n.PublicAddress()
	assert.False(t, behindNAT)
}

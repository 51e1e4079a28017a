package stunclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/wire"
)

// startFakeServer runs a single-shot STUN server that replies to the first
// binding request it receives with a fixed XOR-MAPPED-ADDRESS, per the
// worked example in spec §8 (192.0.2.15:50000).
func startFakeServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1500)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			return
		}
		resp := wire.Message{
			Type: wire.MsgBindingResponse,
			TxID: req.TxID,
			Attrs: []wire.Attribute{
				{Type: wire.AttrXorMappedAddress, Value: wire.EncodeXorAddress([4]byte{192, 0, 2, 15}, 50000)},
			},
		}
		conn.WriteToUDP(resp.Encode(nil), addr)
	}()

	return conn.LocalAddr().String()
}

func TestDiscoverReturnsXorMappedAddress(t *testing.T) {
	addr := startFakeServer(t)
	client := New(addr, nil)

	result, err := client.Discover()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.15", result.IP.String())
	assert.Equal(t, 50000, result.Port)
}

func TestDiscoverFailsOnClosedPort(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	client := New(addr, nil)
	_, err = client.Discover()
	assert.ErrorIs(t, err, ErrNotBehindNAT)
}

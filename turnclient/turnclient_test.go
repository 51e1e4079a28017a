package turnclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/wire"
)

// startFakeTURNServer runs a scripted server: the first ALLOCATE_REQUEST
// is challenged with a 401 (REALM/NONCE), the second (carrying
// credentials) is granted with a fixed relayed address, per spec §4.4.
func startFakeTURNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1500)
		challenged := false
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := wire.DecodeMessage(buf[:n])
			if err != nil {
				continue
			}

			switch req.Type {
			case wire.MsgAllocateRequest:
				if !challenged {
					challenged = true
					resp := wire.Message{
						Type: wire.MsgAllocateError,
						TxID: req.TxID,
						Attrs: []wire.Attribute{
							{Type: wire.AttrRealm, Value: []byte("kadmesh.test")},
							{Type: wire.AttrNonce, Value: []byte("abc123")},
						},
					}
					conn.WriteToUDP(resp.Encode(nil), addr)
					continue
				}
				resp := wire.Message{
					Type: wire.MsgAllocateResponse,
					TxID: req.TxID,
					Attrs: []wire.Attribute{
						{Type: wire.AttrXorRelayedAddress, Value: wire.EncodeXorAddress([4]byte{203, 0, 113, 9}, 40000)},
					},
				}
				conn.WriteToUDP(resp.Encode(nil), addr)
			case wire.MsgRefreshRequest:
				resp := wire.Message{Type: wire.MsgRefreshResponse, TxID: req.TxID}
				conn.WriteToUDP(resp.Encode(nil), addr)
			case wire.MsgCreatePermRequest:
				resp := wire.Message{Type: wire.MsgCreatePermResponse, TxID: req.TxID}
				conn.WriteToUDP(resp.Encode(nil), addr)
			}
		}
	}()

	return conn.LocalAddr().String()
}

func TestAllocateCompletesChallengeHandshake(t *testing.T) {
	addr := startFakeTURNServer(t)
	client := New(addr, "alice", "secret", nil)

	require.NoError(t, client.Allocate())
	assert.Equal(t, StateAllocated, client.State())
	relay := client.RelayedAddress()
	assert.Equal(t, "203.0.113.9", relay.IP.String())
	assert.Equal(t, 40000, relay.Port)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	addr := startFakeTURNServer(t)
	client := New(addr, "alice", "secret", nil)
	require.NoError(t, client.Allocate())

	client.mu.Lock()
	client.expiry = time.Now().Add(1 * time.Second)
	client.mu.Unlock()

	require.NoError(t, client.Refresh())
	assert.True(t, client.expiry.After(time.Now().Add(100*time.Second)))
}

func TestCreatePermissionSucceeds(t *testing.T) {
	addr := startFakeTURNServer(t)
	client := New(addr, "alice", "secret", nil)
	require.NoError(t, client.Allocate())

	err := client.CreatePermission(net.IPv4(198, 51, 100, 2), 7000)
	assert.NoError(t, err)
}

// startFakeTURNServerWithIndication behaves like startFakeTURNServer, but
// also pushes one unsolicited DATA_INDICATION right after granting the
// allocation, simulating a peer's relayed SEND_INDICATION arriving.
func startFakeTURNServerWithIndication(t *testing.T, peerIP [4]byte, peerPort uint16, payload []byte) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := wire.DecodeMessage(buf[:n])
			if err != nil {
				continue
			}
			if req.Type != wire.MsgAllocateRequest {
				continue
			}
			if _, ok := req.Get(wire.AttrUsername); !ok {
				resp := wire.Message{
					Type: wire.MsgAllocateError,
					TxID: req.TxID,
					Attrs: []wire.Attribute{
						{Type: wire.AttrRealm, Value: []byte("kadmesh.test")},
						{Type: wire.AttrNonce, Value: []byte("abc123")},
					},
				}
				conn.WriteToUDP(resp.Encode(nil), addr)
				continue
			}
			resp := wire.Message{
				Type: wire.MsgAllocateResponse,
				TxID: req.TxID,
				Attrs: []wire.Attribute{
					{Type: wire.AttrXorRelayedAddress, Value: wire.EncodeXorAddress([4]byte{203, 0, 113, 9}, 40000)},
				},
			}
			conn.WriteToUDP(resp.Encode(nil), addr)

			ind := wire.Message{
				Type: wire.MsgDataIndication,
				TxID: wire.NewTransactionID(),
				Attrs: []wire.Attribute{
					{Type: wire.AttrXorPeerAddress, Value: wire.EncodeXorAddress(peerIP, peerPort)},
					{Type: wire.AttrData, Value: payload},
				},
			}
			conn.WriteToUDP(ind.Encode(nil), addr)
		}
	}()

	return conn.LocalAddr().String()
}

func TestRunReceiveLoopDeliversDataIndication(t *testing.T) {
	addr := startFakeTURNServerWithIndication(t, [4]byte{198, 51, 100, 2}, 7000, []byte("relayed payload"))
	client := New(addr, "alice", "secret", nil)
	require.NoError(t, client.Allocate())

	done := make(chan struct{})
	received := make(chan struct{}, 1)
	var gotIP net.IP
	var gotPort int
	var gotPayload []byte
	go client.RunReceiveLoop(done, func(ip net.IP, port int, payload []byte) {
		gotIP, gotPort, gotPayload = ip, port, payload
		select {
		case received <- struct{}{}:
		default:
		}
	})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("RunReceiveLoop never delivered the data indication")
	}
	close(done)

	assert.Equal(t, "198.51.100.2", gotIP.String())
	assert.Equal(t, 7000, gotPort)
	assert.Equal(t, []byte("relayed payload"), gotPayload)
}

func TestOperationsFailWithoutAllocation(t *testing.T) {
	client := New("127.0.0.1:1", "alice", "secret", nil)
	assert.ErrorIs(t, client.Refresh(), ErrNotAllocated)
	assert.ErrorIs(t, client.CreatePermission(net.IPv4(1, 2, 3, 4), 1), ErrNotAllocated)
	assert.ErrorIs(t, client.Send(net.IPv4(1, 2, 3, 4), 1, []byte("x")), ErrNotAllocated)
}

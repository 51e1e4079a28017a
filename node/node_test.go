package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/ice"
	"github.com/kadmesh/node/peertable"
	"github.com/kadmesh/node/turnclient"
	"github.com/kadmesh/node/wire"
)

// startFakeTURNServer grants every ALLOCATE_REQUEST and CREATE_PERMISSION
// request unconditionally, for tests that only need an active allocation,
// not the credential-challenge handshake (covered in turnclient's own
// tests).
func startFakeTURNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

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
			switch req.Type {
			case wire.MsgAllocateRequest:
				resp := wire.Message{
					Type: wire.MsgAllocateResponse,
					TxID: req.TxID,
					Attrs: []wire.Attribute{
						{Type: wire.AttrXorRelayedAddress, Value: wire.EncodeXorAddress([4]byte{203, 0, 113, 9}, 40000)},
					},
				}
				conn.WriteToUDP(resp.Encode(nil), addr)
			case wire.MsgCreatePermRequest:
				resp := wire.Message{Type: wire.MsgCreatePermResponse, TxID: req.TxID}
				conn.WriteToUDP(resp.Encode(nil), addr)
			}
		}
	}()

	return conn.LocalAddr().String()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func buildTestNode(t *testing.T, nodeNum int) *Node {
	t.Helper()
	n, err := Build(Config{
		ListenPort:   0,
		NodeNum:      nodeNum,
		AdvertisedIP: "127.0.0.1",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.socket.Close() })
	return n
}

func buildTestNodeWithICE(t *testing.T, nodeNum int) *Node {
	t.Helper()
	n, err := Build(Config{
		ListenPort:   0,
		NodeNum:      nodeNum,
		AdvertisedIP: "127.0.0.1",
		ICE:          true,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.socket.Close() })
	return n
}

func udpAddrOf(t *testing.T, n *Node) *net.UDPAddr {
	t.Helper()
	addr, ok := n.socket.Conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: addr.Port}
}

// TestDirectSendBetweenTwoLocalNodes covers spec §8 scenario #1: two nodes
// on loopback, one DATA frame sent and received with the right payload.
func TestDirectSendBetweenTwoLocalNodes(t *testing.T) {
	n1 := buildTestNode(t, 1)
	n2 := buildTestNode(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n2.receiveLoop(ctx)

	require.NoError(t, n1.sendFrame(udpAddrOf(t, n2), wire.TypeData, n1.nextSeq(), identityToHandle(n2.local), []byte("hello")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := n2.peers.Lookup(identityToHandle(n1.local)); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("n2 never recorded n1 as a known peer within the deadline")
}

// TestTouchSenderSendsPeerListOnFirstContact covers spec §4.10's "on
// establishing liveness with a new peer, a node sends a PEER_LIST
// message": n2 already knows of a third peer, n1 contacts n2 for the
// first time, and n2 must push that peer list back to n1 unprompted.
func TestTouchSenderSendsPeerListOnFirstContact(t *testing.T) {
	n1 := buildTestNode(t, 1)
	n2 := buildTestNode(t, 2)
	require.NoError(t, n2.peers.AddOrUpdate(99, peertable.Endpoint{IP: "10.0.0.9", Port: 9009}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n2.receiveLoop(ctx)

	require.NoError(t, n1.sendFrame(udpAddrOf(t, n2), wire.TypeData, n1.nextSeq(), identityToHandle(n2.local), []byte("hi")))

	buf := make([]byte, wire.MaxFrameLen)
	require.NoError(t, n1.socket.Conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	size, _, err := n1.socket.Conn.ReadFromUDP(buf)
	require.NoError(t, err)

	frame, err := wire.DecodePeerFrame(buf[:size])
	require.NoError(t, err)
	require.Equal(t, wire.TypePeerList, frame.Type)

	entries, err := wire.DecodePeerList(frame.Data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 99, entries[0].ID)
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	n1 := buildTestNode(t, 1)
	n2 := buildTestNode(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n1.receiveLoop(ctx)

	require.NoError(t, n2.sendFrame(udpAddrOf(t, n1), wire.TypePing, n2.nextSeq(), identityToHandle(n1.local), nil))

	buf := make([]byte, wire.MaxFrameLen)
	n2.socket.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	size, from, err := n2.socket.Conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.NotNil(t, from)

	frame, err := wire.DecodePeerFrame(buf[:size])
	require.NoError(t, err)
	assert.Equal(t, wire.TypePong, frame.Type)
}

func TestDispatchDropsShortDatagram(t *testing.T) {
	n := buildTestNode(t, 1)
	n.dispatch([]byte{1, 2}, udpAddrOf(t, n))
}

func TestDispatchDropsDHTFrameWithoutDHTEngine(t *testing.T) {
	n := buildTestNode(t, 1)
	require.Nil(t, n.dht)

	raw, err := wire.PeerFrame{Type: wire.TypeDHTPing, Seq: 1, FromID: 9}.Encode()
	require.NoError(t, err)
	n.dispatch(raw, udpAddrOf(t, n))
}

func TestImportPeerListSkipsKnownEntries(t *testing.T) {
	n := buildTestNode(t, 1)
	require.NoError(t, n.peers.AddOrUpdate(5, peertable.Endpoint{IP: "127.0.0.1", Port: 1}, nil))

	entries := []wire.PeerListEntry{{ID: 5, IP: "10.0.0.1", Port: 1}, {ID: 6, IP: "10.0.0.2", Port: 2}}
	n.importPeerList(wire.EncodePeerList(entries))

	_, ok := n.peers.Lookup(6)
	assert.True(t, ok)

	known, ok := n.peers.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", known.Local.IP)
}

func TestSendPeerListToKnownPeerSucceeds(t *testing.T) {
	n := buildTestNode(t, 1)
	require.NoError(t, n.peers.AddOrUpdate(5, peertable.Endpoint{IP: "127.0.0.1", Port: 1}, nil))
	require.NoError(t, n.peers.AddOrUpdate(6, peertable.Endpoint{IP: "127.0.0.1", Port: 2}, nil))

	require.NoError(t, n.SendPeerList(5))
}

// TestSendDataSucceedsOverRelayedPair covers spec §4.2's "uses C3
// (direct) or C5 (relayed) to transmit": once ICE has selected a relayed
// pair for a peer, SendData completes without error against an active TURN
// allocation. Only the returned error is checked; the test does not
// observe which path carried the frame.
func TestSendDataSucceedsOverRelayedPair(t *testing.T) {
	turnAddr := startFakeTURNServer(t)
	n := buildTestNodeWithICE(t, 1)
	n.turn = turnclient.New(turnAddr, "alice", "secret", testLogger())
	require.NoError(t, n.turn.Allocate())

	require.NoError(t, n.peers.AddOrUpdate(5, peertable.Endpoint{IP: "10.0.0.2", Port: 9000}, nil))
	sess := n.ice.session(5, true)
	sess.AddLocalCandidate(ice.KindRelayed, net.ParseIP("203.0.113.9"), 40000)
	sess.AddRemoteCandidate(ice.KindHost, net.ParseIP("10.0.0.2"), 9000, ice.Priority(ice.KindHost))
	require.NotNil(t, sess.SelectPair())

	require.NoError(t, n.SendData(5, []byte("hello via relay")))
}

// TestPublishSelfPublishesOwnRecord covers spec §4.9's "each node
// publishes its record to a shared directory service": Node.publishSelf
// must push this node's own DirectoryRecord, not just poll for others'.
func TestPublishSelfPublishesOwnRecord(t *testing.T) {
	n, err := Build(Config{
		ListenPort:      0,
		NodeNum:         1,
		AdvertisedIP:    "127.0.0.1",
		DirectoryServer: true,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.socket.Close() })
	require.NotNil(t, n.directory)

	n.publishSelf()

	records, err := n.directory.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, identityToHandle(n.local), records[0].ID)
	assert.Equal(t, n.socket.Port, records[0].Port)
}

func TestStartICERequiresICEEnabled(t *testing.T) {
	n := buildTestNode(t, 1)
	_, err := n.StartICE(5, true)
	assert.ErrorIs(t, err, ErrICENotEnabled)
}

func TestStartICESelectsHostPairForKnownPeer(t *testing.T) {
	n := buildTestNodeWithICE(t, 1)
	require.NoError(t, n.peers.AddOrUpdate(5, peertable.Endpoint{IP: "10.0.0.2", Port: 9000}, nil))

	pair, err := n.StartICE(5, true)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "10.0.0.2", pair.Remote.IP.String())

	state, ok := n.ICEState(5)
	require.True(t, ok)
	assert.Equal(t, ice.StateConnected, state)
}

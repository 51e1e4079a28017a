package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/wire"
)

// loopbackTransport wires two engines together in-process: SendDHT on one
// engine's transport calls directly into the other engine's HandleMessage,
// tagging the contact with the sender's own id/address so replies route
// back correctly.
type loopbackTransport struct {
	self identity.NodeID
	addr string
	port int
	peer *Engine
}

func (lt loopbackTransport) SendDHT(to Contact, msgType wire.MessageType, seq uint32, payload []byte) error {
	from := Contact{ID: lt.self, IP: lt.addr, Port: lt.port, LastSeen: time.Now()}
	go lt.peer.HandleMessage(from, msgType, seq, payload)
	return nil
}

func newLinkedEngines(t *testing.T) (a, b *Engine) {
	t.Helper()
	idA := identity.Random()
	idB := identity.Random()

	a = NewEngine(idA, NewValueStore(), nil, nil)
	b = NewEngine(idB, NewValueStore(), nil, nil)

	a.transport = loopbackTransport{self: idA, addr: "10.0.0.1", port: 1000, peer: b}
	b.transport = loopbackTransport{self: idB, addr: "10.0.0.2", port: 2000, peer: a}
	return a, b
}

func TestPingAddsResponderToRoutingTable(t *testing.T) {
	a, b := newLinkedEngines(t)
	contactB := Contact{ID: b.Table.Local(), IP: "10.0.0.2", Port: 2000}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Ping(ctx, contactB))

	found := a.Table.FindNode(b.Table.Local(), 1)
	require.Len(t, found, 1)
	assert.Equal(t, b.Table.Local(), found[0].ID)
}

func TestFindNodeRPCReturnsContactsCloserToTarget(t *testing.T) {
	a, b := newLinkedEngines(t)
	contactB := Contact{ID: b.Table.Local(), IP: "10.0.0.2", Port: 2000}

	third := identity.Random()
	require.True(t, b.Table.AddNode(Contact{ID: third, IP: "10.0.0.3", Port: 3000}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nodes, err := a.FindNodeRPC(ctx, contactB, third)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	assert.Equal(t, third, nodes[0].ID)
}

func TestStoreThenFindValueResolvesLocally(t *testing.T) {
	a, _ := newLinkedEngines(t)
	key := identity.HashString("some-rendezvous-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Store(ctx, key, []byte("payload")))

	value, nodes, err := a.FindValue(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, nodes)
	assert.Equal(t, "payload", string(value))
}

func TestFindValueReturnsShortlistWhenAbsent(t *testing.T) {
	a, b := newLinkedEngines(t)
	contactB := Contact{ID: b.Table.Local(), IP: "10.0.0.2", Port: 2000}
	require.True(t, a.Table.AddNode(contactB, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, nodes, err := a.FindValue(ctx, identity.Random())
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.NotEmpty(t, nodes)
}

func TestRefreshEvictsEntriesOlderThanTwiceRefreshInterval(t *testing.T) {
	local := identity.Random()
	e := NewEngine(local, NewValueStore(), loopbackTransport{}, nil)

	peer := flipBit(local, 5)
	require.True(t, e.Table.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))
	// AddNode always stamps LastSeen at insertion time; back-date it directly
	// (same package) to simulate a contact that has since gone silent.
	e.Table.buckets[5].entries[0].LastSeen = time.Now().Add(-3 * RefreshInterval)

	e.Refresh(context.Background())
	assert.Equal(t, 0, e.Table.BucketCount(5))
}

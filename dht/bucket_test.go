package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/identity"
)

func flipBit(id identity.NodeID, bit int) identity.NodeID {
	out := id
	out[bit/8] ^= 0x80 >> uint(bit%8)
	return out
}

func TestAddNodeInsertsIntoCorrectBucket(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)

	peer := flipBit(local, 10)
	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))
	assert.Equal(t, 1, rt.BucketCount(10))
}

func TestAddNodeRejectsLocalID(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)
	assert.False(t, rt.AddNode(Contact{ID: local}, nil))
}

func TestAddNodeRefreshesExistingEntryToTail(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)
	peer := flipBit(local, 10)

	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))
	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.2", Port: 2}, nil))
	assert.Equal(t, 1, rt.BucketCount(10))
}

func TestAddNodeFullBucketKeepsHeadWithoutProbe(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)

	for i := 0; i < K; i++ {
		peer := flipBit(local, 10)
		peer[2] = byte(i + 1)
		require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: i}, nil))
	}
	overflow := flipBit(local, 10)
	overflow[2] = 200
	assert.False(t, rt.AddNode(Contact{ID: overflow, IP: "10.0.0.1", Port: 99}, nil))
	assert.Equal(t, K, rt.BucketCount(10))
}

func TestAddNodeFullBucketEvictsWhenProbeFails(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)

	for i := 0; i < K; i++ {
		peer := flipBit(local, 10)
		peer[2] = byte(i + 1)
		require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: i}, nil))
	}
	overflow := flipBit(local, 10)
	overflow[2] = 200
	probe := func(Contact) bool { return false }
	assert.True(t, rt.AddNode(Contact{ID: overflow, IP: "10.0.0.1", Port: 99}, probe))
	assert.Equal(t, K, rt.BucketCount(10))
}

func TestRemoveNode(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)
	peer := flipBit(local, 10)
	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))

	rt.RemoveNode(peer)
	assert.Equal(t, 0, rt.BucketCount(10))
}

func TestFindNodeOrdersByXORDistance(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)

	near := flipBit(local, 159)
	far := flipBit(local, 2)
	require.True(t, rt.AddNode(Contact{ID: far, IP: "10.0.0.1", Port: 1}, nil))
	require.True(t, rt.AddNode(Contact{ID: near, IP: "10.0.0.2", Port: 2}, nil))

	result := rt.FindNode(local, 2)
	require.Len(t, result, 2)
	assert.Equal(t, near, result[0].ID)
	assert.Equal(t, far, result[1].ID)
}

func TestStaleBucketsAndTouchBucket(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)
	peer := flipBit(local, 10)
	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))

	future := time.Now().Add(time.Hour)
	assert.Equal(t, []int{10}, rt.StaleBuckets(time.Minute, future))

	rt.TouchBucket(10)
	assert.Empty(t, rt.StaleBuckets(time.Minute, time.Now()))
}

func TestEvictStaleRemovesOldEntries(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)
	peer := flipBit(local, 10)
	require.True(t, rt.AddNode(Contact{ID: peer, IP: "10.0.0.1", Port: 1}, nil))

	removed := rt.EvictStale(time.Minute, time.Now().Add(2*time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, rt.BucketCount(10))
}

func TestRandomIDInBucketSharesPrefix(t *testing.T) {
	local := identity.Random()
	rt := NewRoutingTable(local)

	for _, idx := range []int{0, 7, 8, 63, 159} {
		id := rt.RandomIDInBucket(idx)
		assert.Equal(t, idx, local.CPL(id), "bucket %d", idx)
	}
}

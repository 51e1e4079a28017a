package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmesh/node/peertable"
)

func TestDatagramRoundTrip(t *testing.T) {
	d := datagram{
		Kind:       kindAnnounce,
		NodeID:     7,
		IP:         "10.0.0.5",
		Port:       9000,
		PublicIP:   "203.0.113.9",
		PublicPort: 40000,
		IsPublic:   true,
		Timestamp:  1700000000,
		Sequence:   42,
	}
	encoded := encodeDatagram(d)
	assert.Len(t, encoded, datagramLen)

	decoded, err := decodeDatagram(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestDecodeDatagramRejectsShortBuffer(t *testing.T) {
	_, err := decodeDatagram(make([]byte, 5))
	assert.ErrorIs(t, err, ErrShortDatagram)
}

func TestDirectoryRecordRoundTrip(t *testing.T) {
	rec := DirectoryRecord{ID: 3, IP: "10.0.0.1", Port: 9000, PublicIP: "203.0.113.1", PublicPort: 40000, IsPublic: true}
	decoded, err := decodeDirectoryRecord(rec.encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestMemoryDirectoryPublishAndList(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	require.NoError(t, dir.Publish(ctx, DirectoryRecord{ID: 1, IP: "10.0.0.1", Port: 9000}))
	require.NoError(t, dir.Publish(ctx, DirectoryRecord{ID: 2, IP: "10.0.0.2", Port: 9001}))

	records, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryDirectoryListFilteredByKnownIDsYieldsOnlyNewRecords(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	require.NoError(t, dir.Publish(ctx, DirectoryRecord{ID: 1, IP: "10.0.0.1", Port: 9000}))
	require.NoError(t, dir.Publish(ctx, DirectoryRecord{ID: 2, IP: "10.0.0.2", Port: 9001}))

	known := map[int32]bool{1: true}
	var seen []int32
	records, err := dir.List(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		if !known[rec.ID] {
			seen = append(seen, rec.ID)
		}
	}
	assert.Equal(t, []int32{2}, seen)
}

func TestPeerTableAddOrUpdateThenLookup(t *testing.T) {
	tbl := peertable.New()
	require.NoError(t, tbl.AddOrUpdate(5, peertable.Endpoint{IP: "10.0.0.9", Port: 9009}, nil))
	_, ok := tbl.Lookup(5)
	assert.True(t, ok)
}

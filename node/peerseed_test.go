package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerSeed(t *testing.T) {
	id, ip, port, err := ParsePeerSeed("7:10.0.0.9:9100")
	require.NoError(t, err)
	assert.Equal(t, int32(7), id)
	assert.Equal(t, "10.0.0.9", ip)
	assert.Equal(t, 9100, port)
}

func TestParsePeerSeedRejectsMalformed(t *testing.T) {
	cases := []string{"", "7:10.0.0.9", "7:10.0.0.9:abc", "abc:10.0.0.9:9100"}
	for _, c := range cases {
		_, _, _, err := ParsePeerSeed(c)
		assert.Error(t, err, c)
	}
}

// TestBuildSeedsPeerTableFromConfig covers spec §6's "remote-peer seeds
// formatted id:ip:port": Build must load every well-formed seed into the
// peer table, and skip a malformed one without failing startup.
func TestBuildSeedsPeerTableFromConfig(t *testing.T) {
	n, err := Build(Config{
		ListenPort:   0,
		NodeNum:      1,
		AdvertisedIP: "127.0.0.1",
		PeerSeeds:    []string{"7:10.0.0.9:9100", "not-a-valid-seed"},
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.socket.Close() })

	rec, ok := n.peers.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", rec.Local.IP)
	assert.Equal(t, 9100, rec.Local.Port)
}

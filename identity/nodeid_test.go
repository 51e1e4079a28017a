package identity

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomID(t *testing.T) NodeID {
	t.Helper()
	var id NodeID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestDistanceSameNodeIsSentinel(t *testing.T) {
	a := randomID(t)
	assert.Equal(t, 160, a.Distance(a))
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := randomID(t)
	b := randomID(t)
	assert.Equal(t, a.Distance(b), b.Distance(a))
}

func TestDistanceUltraMetric(t *testing.T) {
	a := randomID(t)
	b := randomID(t)
	c := randomID(t)

	ab := a.Distance(b)
	bc := b.Distance(c)
	ac := a.Distance(c)

	// Distance is the index of the first differing bit, so a larger value
	// means closer; the ultrametric bound on XOR distance is therefore a
	// lower bound on this index.
	min := ab
	if bc < min {
		min = bc
	}
	assert.GreaterOrEqual(t, ac, min)
}

func TestHexRoundTrip(t *testing.T) {
	a := randomID(t)
	enc := a.Encode()
	assert.Len(t, enc, 40)
	assert.Regexp(t, `^[0-9a-f]{40}$`, enc)

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, a, dec)
}

func TestDecodeRejectsShortStrings(t *testing.T) {
	_, err := Decode("abcd")
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestFromStringDeterministic(t *testing.T) {
	a := FromString(1, "127.0.0.1", 8000)
	b := FromString(1, "127.0.0.1", 8000)
	assert.Equal(t, a, b)

	c := FromString(2, "127.0.0.1", 8000)
	assert.NotEqual(t, a, c)
}

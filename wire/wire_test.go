package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerFrameRoundTrip(t *testing.T) {
	f := PeerFrame{
		Type:   TypeData,
		Seq:    42,
		FromID: 7,
		ToID:   9,
		Data:   []byte("hi"),
	}
	raw, err := f.Encode()
	require.NoError(t, err)

	got, err := DecodePeerFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Seq, got.Seq)
	assert.Equal(t, f.FromID, got.FromID)
	assert.Equal(t, f.ToID, got.ToID)
	assert.Equal(t, f.Data, got.Data)
}

func TestPeerFrameRejectsOversizedPayload(t *testing.T) {
	_, err := PeerFrame{Data: make([]byte, MaxDataLen+1)}.Encode()
	assert.ErrorIs(t, err, ErrDataTooLong)
}

func TestDecodePeerFrameRejectsShortBuffer(t *testing.T) {
	_, err := DecodePeerFrame([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestLooksLikeSTUNRejectsPeerFrames(t *testing.T) {
	for _, mt := range []MessageType{TypeData, TypePing, TypePong, TypeDHTFindNode} {
		raw, err := PeerFrame{Type: mt, Seq: 1, FromID: 1, ToID: 2}.Encode()
		require.NoError(t, err)
		assert.False(t, LooksLikeSTUN(raw), "type %v misclassified as STUN", mt)
	}
}

func TestLooksLikeSTUNAcceptsStunHeader(t *testing.T) {
	msg := Message{Type: MsgBindingRequest, TxID: NewTransactionID()}
	raw := msg.Encode(nil)
	assert.True(t, LooksLikeSTUN(raw))
}

func TestLooksLikeSTUNRejectsShortBuffer(t *testing.T) {
	assert.False(t, LooksLikeSTUN([]byte{0, 0, 0}))
}

func TestSTUNXorMappedAddressRoundTrip(t *testing.T) {
	ip := net.ParseIP("192.0.2.15").To4()
	var ipArr [4]byte
	copy(ipArr[:], ip)

	attr := EncodeXorAddress(ipArr, 50000)
	gotIP, gotPort, err := DecodeXorAddress(attr)
	require.NoError(t, err)
	assert.Equal(t, uint16(50000), gotPort)
	assert.Equal(t, net.IP(gotIP[:]).String(), "192.0.2.15")
}

func TestSTUNMessageRoundTrip(t *testing.T) {
	msg := Message{
		Type: MsgBindingRequest,
		TxID: NewTransactionID(),
	}
	raw := msg.Encode(nil)
	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.TxID, decoded.TxID)
}

func TestSTUNMessageRejectsBadCookie(t *testing.T) {
	raw := make([]byte, 20)
	_, err := DecodeMessage(raw)
	assert.ErrorIs(t, err, ErrBadMagicCookie)
}

func TestPeerListRoundTrip(t *testing.T) {
	entries := []PeerListEntry{
		{ID: 1, IP: "10.0.0.1", Port: 9000, PublicIP: "203.0.113.1", PublicPort: 9000, IsPublic: false},
		{ID: 2, IP: "10.0.0.2", Port: 9001, PublicIP: "203.0.113.2", PublicPort: 9001, IsPublic: true},
	}
	encoded := EncodePeerList(entries)
	decoded, err := DecodePeerList(encoded)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

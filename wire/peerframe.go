// Package wire implements the framing shared by every message family that
// crosses the node's single UDP socket: the fixed-layout peer datagram, the
// RFC 5389/5766 STUN/TURN TLV frame, and the RLP-encoded DHT/rendezvous RPC
// messages.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies the first byte of a peer-socket datagram.
type MessageType uint8

// Peer datagram message types, per spec §6.
const (
	TypeData MessageType = iota
	TypePing
	TypePong
	TypePeerList
	TypeNATTraversal
	TypeDHTPing
	TypeDHTPong
	TypeDHTFindNode
	TypeDHTFindNodeReply
	TypeDHTFindValue
	TypeDHTFindValueReply
	TypeDHTStore
	TypeRendezvousAnnounce
	TypeRendezvousQuery
	TypeRendezvousResponse
	TypeRendezvousConnect
)

func (t MessageType) String() string {
	names := [...]string{
		"DATA", "PING", "PONG", "PEER_LIST", "NAT_TRAVERSAL",
		"DHT_PING", "DHT_PONG", "DHT_FIND_NODE", "DHT_FIND_NODE_REPLY",
		"DHT_FIND_VALUE", "DHT_FIND_VALUE_REPLY", "DHT_STORE",
		"RENDEZVOUS_ANNOUNCE", "RENDEZVOUS_QUERY", "RENDEZVOUS_RESPONSE",
		"RENDEZVOUS_CONNECT",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}

// MaxDataLen bounds the application payload carried by a peer datagram.
const MaxDataLen = 1024

// HeaderLen is the size in bytes of the fixed fields preceding the payload:
// type(1) + seq(4) + from_id(4) + to_id(4) + data_len(2).
const HeaderLen = 1 + 4 + 4 + 4 + 2

// MaxFrameLen is the largest a peer datagram may be on the wire.
const MaxFrameLen = HeaderLen + MaxDataLen

var (
	// ErrFrameTooShort is returned when a datagram is shorter than HeaderLen.
	ErrFrameTooShort = errors.New("wire: frame shorter than header")
	// ErrDataTooLong is returned by Encode when the payload exceeds MaxDataLen.
	ErrDataTooLong = errors.New("wire: data exceeds 1024 bytes")
	// ErrTruncated is returned when data_len claims more bytes than are present.
	ErrTruncated = errors.New("wire: declared data_len exceeds remaining bytes")
)

// PeerFrame is the decoded form of the fixed-layout peer datagram described
// in spec §4.1/§6. All multi-byte fields are big-endian on the wire.
type PeerFrame struct {
	Type   MessageType
	Seq    uint32
	FromID int32
	ToID   int32
	Data   []byte
}

// Encode serializes f into its big-endian wire representation.
func (f PeerFrame) Encode() ([]byte, error) {
	if len(f.Data) > MaxDataLen {
		return nil, ErrDataTooLong
	}
	buf := make([]byte, HeaderLen+len(f.Data))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.Seq)
	binary.BigEndian.PutUint32(buf[5:9], uint32(f.FromID))
	binary.BigEndian.PutUint32(buf[9:13], uint32(f.ToID))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(f.Data)))
	copy(buf[HeaderLen:], f.Data)
	return buf, nil
}

// DecodePeerFrame parses the big-endian peer datagram layout from raw.
func DecodePeerFrame(raw []byte) (PeerFrame, error) {
	if len(raw) < HeaderLen {
		return PeerFrame{}, ErrFrameTooShort
	}
	dataLen := int(binary.BigEndian.Uint16(raw[13:15]))
	if HeaderLen+dataLen > len(raw) {
		return PeerFrame{}, ErrTruncated
	}
	f := PeerFrame{
		Type:   MessageType(raw[0]),
		Seq:    binary.BigEndian.Uint32(raw[1:5]),
		FromID: int32(binary.BigEndian.Uint32(raw[5:9])),
		ToID:   int32(binary.BigEndian.Uint32(raw[9:13])),
	}
	if dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, raw[HeaderLen:HeaderLen+dataLen])
	}
	return f, nil
}

// LooksLikeSTUN reports whether raw opens with a STUN/TURN header: the two
// top bits of the first byte clear (RFC 5389 §6) and the magic cookie at
// bytes 4-7. The leading-bits check alone cannot disambiguate a STUN header
// from a peer frame, since every MessageType value also has those bits
// clear; the magic cookie is what disambiguates. In a peer frame bytes 4-7
// are the low byte of Seq and the top three bytes of FromID, so a peer
// frame is read as STUN only when those four bytes equal the cookie.
func LooksLikeSTUN(raw []byte) bool {
	if len(raw) < 8 {
		return false
	}
	if raw[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(raw[4:8]) == MagicCookie
}

// PeerListEntry is one line of the comma-separated PEER_LIST payload format
// described in §4.10: "count,id:ip:port:pub_ip:pub_port:is_public,...".
type PeerListEntry struct {
	ID         int32
	IP         string
	Port       int
	PublicIP   string
	PublicPort int
	IsPublic   bool
}

// EncodePeerList renders entries into the wire text format.
func EncodePeerList(entries []PeerListEntry) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d", len(entries))
	for _, e := range entries {
		pub := 0
		if e.IsPublic {
			pub = 1
		}
		fmt.Fprintf(&buf, ",%d:%s:%d:%s:%d:%d", e.ID, e.IP, e.Port, e.PublicIP, e.PublicPort, pub)
	}
	return buf.Bytes()
}

// DecodePeerList parses the wire text format produced by EncodePeerList.
func DecodePeerList(data []byte) ([]PeerListEntry, error) {
	parts := bytes.Split(data, []byte(","))
	if len(parts) == 0 {
		return nil, errors.New("wire: empty peer list")
	}
	var count int
	if _, err := fmt.Sscanf(string(parts[0]), "%d", &count); err != nil {
		return nil, fmt.Errorf("wire: bad peer list count: %w", err)
	}
	entries := make([]PeerListEntry, 0, count)
	for _, part := range parts[1:] {
		fields := bytes.Split(part, []byte(":"))
		if len(fields) != 6 {
			continue
		}
		var e PeerListEntry
		var pub int
		fmt.Sscanf(string(fields[0]), "%d", &e.ID)
		e.IP = string(fields[1])
		fmt.Sscanf(string(fields[2]), "%d", &e.Port)
		e.PublicIP = string(fields[3])
		fmt.Sscanf(string(fields[4]), "%d", &e.PublicPort)
		fmt.Sscanf(string(fields[5]), "%d", &pub)
		e.IsPublic = pub == 1
		entries = append(entries, e)
	}
	return entries, nil
}

// Package identity implements the 160-bit node identifiers used to key the
// DHT routing table and the XOR distance metric Kademlia lookups are
// ordered by.
package identity

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length in bytes of a NodeID (160 bits).
const Size = 20

// ErrBadLength is returned by Decode when the input is too short to be a
// NodeID once whitespace is stripped.
var ErrBadLength = errors.New("identity: hex string too short for a node id")

// NodeID is an opaque 160-bit node identifier.
type NodeID [Size]byte

// Random returns a NodeID filled with crypto/rand bytes.
func Random() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("identity: rand.Read failed: %v", err))
	}
	return id
}

// FromString derives a NodeID from the SHA-1 digest of the canonical node
// string "node-<int>-<ip>-<port>".
func FromString(nodeNum int, ip string, port int) NodeID {
	canonical := fmt.Sprintf("node-%d-%s-%d", nodeNum, ip, port)
	return HashString(canonical)
}

// HashString returns the SHA-1 digest of s as a NodeID. Used both for
// deriving node ids from canonical strings and for rendezvous keys.
func HashString(s string) NodeID {
	sum := sha1.Sum([]byte(s))
	var id NodeID
	copy(id[:], sum[:])
	return id
}

// Equal reports whether two ids are byte-identical.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// Distance returns the index of the highest-order bit at which id and other
// differ, 0..159. Identical ids return 160, a sentinel meaning "same node"
// that must never be used as a bucket index.
func (id NodeID) Distance(other NodeID) int {
	for i := 0; i < Size; i++ {
		x := id[i] ^ other[i]
		if x == 0 {
			continue
		}
		// Bit position of the highest set bit within this byte, counted
		// from the most significant bit of the whole id.
		for bit := 0; bit < 8; bit++ {
			if x&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return Size * 8
}

// CPL is an alias for Distance: the common-prefix length with other, which
// is also the bucket index a peer with id `other` belongs in relative to a
// local id of `id`.
func (id NodeID) CPL(other NodeID) int {
	return id.Distance(other)
}

// XOR returns the byte-wise XOR of id and other, interpreted big-endian.
func (id NodeID) XOR(other NodeID) [Size]byte {
	var out [Size]byte
	for i := 0; i < Size; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id's XOR-distance interpretation (as an unsigned
// 160-bit big-endian integer) is less than other's, used to order XOR
// values when ranking candidates by closeness to a target.
func Less(a, b [Size]byte) bool {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// String returns the 40-character lowercase hex encoding of id.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Encode is an alias for String, named to match the spec's vocabulary.
func (id NodeID) Encode() string {
	return id.String()
}

// Decode parses a 40-character lowercase hex string into a NodeID. Any
// string whose non-whitespace length is shorter than 40 is rejected.
func Decode(s string) (NodeID, error) {
	trimmed := strings.Join(strings.Fields(s), "")
	if len(trimmed) < Size*2 {
		return NodeID{}, ErrBadLength
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return NodeID{}, fmt.Errorf("identity: decode %q: %w", s, err)
	}
	if len(b) != Size {
		return NodeID{}, fmt.Errorf("identity: decoded length %d, want %d", len(b), Size)
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

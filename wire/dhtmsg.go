package wire

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// Endpoint is an IPv4 (address, port) pair as carried inside DHT and
// rendezvous RPC payloads.
type Endpoint struct {
	IP   []byte // 4 bytes, big-endian
	Port uint16
}

// DHTPing is the payload of a DHT_PING datagram.
type DHTPing struct {
	SenderID   []byte
	Expiration uint64
}

// DHTPong replies to DHTPing, echoing the endpoint the sender was observed
// at so the sender can learn its own reflexive address the same way a STUN
// binding response would reveal it.
type DHTPong struct {
	To         Endpoint
	Expiration uint64
}

// DHTFindNode requests the recipient's closest known contacts to Target.
type DHTFindNode struct {
	Target     []byte
	Expiration uint64
}

// DHTFindNodeReply carries the requested contacts.
type DHTFindNodeReply struct {
	Nodes      []RPCNode
	Expiration uint64
}

// RPCNode is a single contact as exchanged on the wire.
type RPCNode struct {
	ID   []byte
	IP   []byte
	Port uint16
}

// DHTFindValue requests the value stored under Key, or the closest known
// contacts if the recipient does not hold it.
type DHTFindValue struct {
	Key        []byte
	Expiration uint64
}

// DHTFindValueReply carries either a Value (if found) or a Nodes shortlist.
type DHTFindValueReply struct {
	Key        []byte
	Value      []byte
	Nodes      []RPCNode
	Expiration uint64
}

// DHTStore asks the recipient to store Value under Key.
type DHTStore struct {
	Key        []byte
	Value      []byte
	Expiration uint64
}

// RendezvousEndpointTuple is the endpoint tuple published/exchanged for a
// rendezvous membership, per spec §4.7.
type RendezvousEndpointTuple struct {
	NodeID      []byte
	IP          []byte
	Port        uint16
	PublicIP    []byte
	PublicPort  uint16
	BehindNAT   bool
}

// RendezvousQuery asks recipients subscribed to Key to reply with their
// endpoint tuple.
type RendezvousQuery struct {
	Key    string
	Sender RendezvousEndpointTuple
}

// RendezvousResponse replies to a query from a member of Key.
type RendezvousResponse struct {
	Key    string
	Member RendezvousEndpointTuple
}

// RendezvousAnnounce and RendezvousConnect round out the message family
// used during join/find exchanges.
type RendezvousAnnounce struct {
	Key    string
	Sender RendezvousEndpointTuple
}

type RendezvousConnect struct {
	Key    string
	Sender RendezvousEndpointTuple
}

// EncodeRPC and DecodeRPC are intentionally thin wrappers: every type above
// is a plain RLP-encodable struct, and these two functions pass straight
// through to rlp.EncodeToBytes / rlp.DecodeBytes so call sites share one
// import.

// EncodeRPC RLP-encodes any DHT or rendezvous payload.
func EncodeRPC(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// DecodeRPC RLP-decodes into v, which must be a pointer to one of the
// payload types above.
func DecodeRPC(data []byte, v interface{}) error {
	return rlp.DecodeBytes(data, v)
}

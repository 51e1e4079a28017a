package wire

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"

	"github.com/pborman/uuid"
)

// MagicCookie is the 32-bit constant identifying a STUN/TURN message and
// used as the XOR key for mapped/relayed/peer addresses.
const MagicCookie uint32 = 0x2112A442

// STUN/TURN message types (RFC 5389 §18.1, RFC 5766 §13).
const (
	MsgBindingRequest       uint16 = 0x0001
	MsgBindingResponse      uint16 = 0x0101
	MsgBindingError         uint16 = 0x0111
	MsgAllocateRequest      uint16 = 0x0003
	MsgAllocateResponse     uint16 = 0x0103
	MsgAllocateError        uint16 = 0x0113
	MsgRefreshRequest       uint16 = 0x0004
	MsgRefreshResponse      uint16 = 0x0104
	MsgRefreshError         uint16 = 0x0114
	MsgCreatePermRequest    uint16 = 0x0008
	MsgCreatePermResponse   uint16 = 0x0108
	MsgCreatePermError      uint16 = 0x0118
	MsgSendIndication       uint16 = 0x0016
	MsgDataIndication       uint16 = 0x0017
)

// STUN/TURN attribute types used by this implementation.
const (
	AttrMappedAddress     uint16 = 0x0001
	AttrUsername          uint16 = 0x0006
	AttrMessageIntegrity  uint16 = 0x0008
	AttrErrorCode         uint16 = 0x0009
	AttrRealm             uint16 = 0x0014
	AttrNonce             uint16 = 0x0015
	AttrXorPeerAddress    uint16 = 0x0012
	AttrData              uint16 = 0x0013
	AttrXorRelayedAddress uint16 = 0x0016
	AttrRequestedTransport uint16 = 0x0019
	AttrLifetime          uint16 = 0x000D
	AttrXorMappedAddress  uint16 = 0x0020
)

// FamilyIPv4 is the address-family octet used in address attributes.
const FamilyIPv4 byte = 0x01

var (
	// ErrShortMessage is returned when a buffer is too small to contain a
	// STUN/TURN header.
	ErrShortMessage = errors.New("wire: stun/turn message shorter than 20-byte header")
	// ErrBadMagicCookie is returned when the magic cookie does not match.
	ErrBadMagicCookie = errors.New("wire: bad stun/turn magic cookie")
	// ErrShortAttribute is returned when an attribute's declared length
	// overruns the message.
	ErrShortAttribute = errors.New("wire: truncated stun/turn attribute")
)

// TransactionID is the 96-bit transaction id correlating STUN/TURN
// requests with their responses.
type TransactionID [12]byte

// NewTransactionID returns a random transaction id, drawn from a v4 UUID.
func NewTransactionID() TransactionID {
	var tid TransactionID
	copy(tid[:], uuid.NewRandom())
	return tid
}

// Attribute is a decoded STUN/TURN TLV attribute.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a decoded STUN/TURN message: 16-bit type, 16-bit length,
// 32-bit magic cookie, 96-bit transaction id, then 4-byte-aligned TLV
// attributes.
type Message struct {
	Type   uint16
	TxID   TransactionID
	Attrs  []Attribute
}

// Get returns the first attribute of the given type, if present.
func (m Message) Get(attrType uint16) ([]byte, bool) {
	for _, a := range m.Attrs {
		if a.Type == attrType {
			return a.Value, true
		}
	}
	return nil, false
}

// Encode serializes m into its wire representation, including MESSAGE-INTEGRITY
// if key is non-nil (computed over everything preceding the MESSAGE-INTEGRITY
// attribute itself, with the length field in the header set as if the
// integrity attribute were already appended, per RFC 5389 §15.4).
func (m Message) Encode(key []byte) []byte {
	body := make([]byte, 0, 64)
	for _, a := range m.Attrs {
		body = appendAttr(body, a.Type, a.Value)
	}

	if key != nil {
		// Header + body-so-far + a placeholder MESSAGE-INTEGRITY attribute
		// (24 bytes: 4 header + 20 HMAC-SHA1) is what the length field must
		// reflect while computing the HMAC.
		provisional := make([]byte, 20+len(body))
		copy(provisional, stunHeader(m.Type, uint16(len(body)+24), m.TxID))
		copy(provisional[20:], body)
		sum := hmacSHA1(key, provisional)
		body = appendAttr(body, AttrMessageIntegrity, sum)
	}

	out := make([]byte, 20+len(body))
	copy(out, stunHeader(m.Type, uint16(len(body)), m.TxID))
	copy(out[20:], body)
	return out
}

func stunHeader(msgType, length uint16, txID TransactionID) []byte {
	h := make([]byte, 20)
	binary.BigEndian.PutUint16(h[0:2], msgType)
	binary.BigEndian.PutUint16(h[2:4], length)
	binary.BigEndian.PutUint32(h[4:8], MagicCookie)
	copy(h[8:20], txID[:])
	return h
}

func appendAttr(buf []byte, attrType uint16, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf = append(buf, hdr...)
	buf = append(buf, value...)
	pad := (4 - len(value)%4) % 4
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeMessage parses raw into a Message. It validates the 20-byte header,
// the magic cookie, and that every attribute's declared length fits within
// the message, honoring 4-byte alignment padding between attributes.
func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) < 20 {
		return Message{}, ErrShortMessage
	}
	msgType := binary.BigEndian.Uint16(raw[0:2])
	length := binary.BigEndian.Uint16(raw[2:4])
	cookie := binary.BigEndian.Uint32(raw[4:8])
	if cookie != MagicCookie {
		return Message{}, ErrBadMagicCookie
	}
	var txID TransactionID
	copy(txID[:], raw[8:20])

	end := 20 + int(length)
	if end > len(raw) {
		end = len(raw)
	}
	body := raw[20:end]

	var attrs []Attribute
	for len(body) >= 4 {
		aType := binary.BigEndian.Uint16(body[0:2])
		aLen := int(binary.BigEndian.Uint16(body[2:4]))
		if 4+aLen > len(body) {
			return Message{}, ErrShortAttribute
		}
		value := make([]byte, aLen)
		copy(value, body[4:4+aLen])
		attrs = append(attrs, Attribute{Type: aType, Value: value})

		consumed := 4 + aLen
		pad := (4 - aLen%4) % 4
		if consumed+pad > len(body) {
			break
		}
		body = body[consumed+pad:]
	}

	return Message{Type: msgType, TxID: txID, Attrs: attrs}, nil
}

// EncodeXorAddress encodes an IPv4 (ip, port) pair as an XOR-*-ADDRESS
// attribute value: family, XOR'd port (top 16 bits of the cookie), XOR'd
// 32-bit address (full cookie).
func EncodeXorAddress(ip [4]byte, port uint16) []byte {
	cookie := MagicCookie
	out := make([]byte, 8)
	out[0] = 0
	out[1] = FamilyIPv4
	binary.BigEndian.PutUint16(out[2:4], port^uint16(cookie>>16))
	var ipWord uint32
	ipWord = binary.BigEndian.Uint32(ip[:])
	binary.BigEndian.PutUint32(out[4:8], ipWord^cookie)
	return out
}

// DecodeXorAddress reverses EncodeXorAddress.
func DecodeXorAddress(value []byte) (ip [4]byte, port uint16, err error) {
	if len(value) < 8 {
		return ip, 0, ErrShortAttribute
	}
	cookie := MagicCookie
	port = binary.BigEndian.Uint16(value[2:4]) ^ uint16(cookie>>16)
	ipWord := binary.BigEndian.Uint32(value[4:8]) ^ cookie
	binary.BigEndian.PutUint32(ip[:], ipWord)
	return ip, port, nil
}

// DecodeMappedAddress parses a plain (non-XOR) MAPPED-ADDRESS attribute.
func DecodeMappedAddress(value []byte) (ip [4]byte, port uint16, err error) {
	if len(value) < 8 {
		return ip, 0, ErrShortAttribute
	}
	port = binary.BigEndian.Uint16(value[2:4])
	copy(ip[:], value[4:8])
	return ip, port, nil
}

func hmacSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

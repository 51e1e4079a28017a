// Package stunclient implements the STUN binding-request transaction (C4):
// a single request/response round trip that discovers the reflexive
// (public) address a node is seen at from across a NAT.
package stunclient

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadmesh/node/wire"
)

// Timeout bounds how long a binding transaction waits for a response,
// per spec §4.3.
const Timeout = 5 * time.Second

// ErrNotBehindNAT is returned by callers that treat a failed binding
// transaction as "assume not behind NAT", per spec §4.3's failure policy.
var ErrNotBehindNAT = errors.New("stunclient: binding transaction failed, assuming not behind NAT")

// ErrMalformedResponse is returned when a response's type or attributes
// don't match what a binding response must carry.
var ErrMalformedResponse = errors.New("stunclient: malformed binding response")

// ReflexiveAddress is the result of a successful binding transaction.
type ReflexiveAddress struct {
	IP   net.IP
	Port int
}

// Client performs STUN binding requests against a configured server.
type Client struct {
	ServerAddr string // "host:port"
	log        *logrus.Entry
}

// New constructs a client targeting the given STUN server address.
func New(serverAddr string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{ServerAddr: serverAddr, log: logger.WithField("component", "stunclient")}
}

// Discover performs one binding-request transaction over a fresh UDP
// socket and returns the reflexive address the server observed. A DNS,
// send or receive failure (timeout included) is reported
// ErrNotBehindNAT-wrapped; a response that fails validation is reported
// ErrMalformedResponse-wrapped. Node.DiscoverPublicAddress treats both
// alike and leaves the node's NAT status unchanged.
func (c *Client) Discover() (ReflexiveAddress, error) {
	raddr, err := net.ResolveUDPAddr("udp4", c.ServerAddr)
	if err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: resolve %s: %v", ErrNotBehindNAT, c.ServerAddr, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: dial: %v", ErrNotBehindNAT, err)
	}
	defer conn.Close()

	req := wire.Message{Type: wire.MsgBindingRequest, TxID: wire.NewTransactionID()}
	if _, err := conn.Write(req.Encode(nil)); err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: send: %v", ErrNotBehindNAT, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: set deadline: %v", ErrNotBehindNAT, err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: receive: %v", ErrNotBehindNAT, err)
	}

	resp, err := wire.DecodeMessage(buf[:n])
	if err != nil {
		return ReflexiveAddress{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Type != wire.MsgBindingResponse {
		return ReflexiveAddress{}, fmt.Errorf("%w: unexpected message type 0x%04x", ErrMalformedResponse, resp.Type)
	}
	if resp.TxID != req.TxID {
		return ReflexiveAddress{}, fmt.Errorf("%w: transaction id mismatch", ErrMalformedResponse)
	}

	if val, ok := resp.Get(wire.AttrXorMappedAddress); ok {
		ip, port, err := wire.DecodeXorAddress(val)
		if err != nil {
			return ReflexiveAddress{}, fmt.Errorf("%w: xor-mapped-address: %v", ErrMalformedResponse, err)
		}
		return ReflexiveAddress{IP: net.IP(ip[:]), Port: int(port)}, nil
	}
	if val, ok := resp.Get(wire.AttrMappedAddress); ok {
		ip, port, err := wire.DecodeMappedAddress(val)
		if err != nil {
			return ReflexiveAddress{}, fmt.Errorf("%w: mapped-address: %v", ErrMalformedResponse, err)
		}
		return ReflexiveAddress{IP: net.IP(ip[:]), Port: int(port)}, nil
	}

	return ReflexiveAddress{}, fmt.Errorf("%w: no mapped address attribute", ErrMalformedResponse)
}

// Package turnclient implements the TURN relay client (C5): allocation,
// periodic refresh, create-permission, and send/data indication framing
// around relayed application traffic.
package turnclient

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadmesh/node/wire"
)

// State is a TURN allocation's lifecycle stage, per spec §3.
type State int

const (
	StateIdle State = iota
	StateAllocating
	StateAllocated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAllocating:
		return "allocating"
	case StateAllocated:
		return "allocated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultLifetime is the allocation lifetime requested and granted absent
// a server override, per spec §4.4 ("expiry = now + 600 s").
const DefaultLifetime = 600 * time.Second

// RefreshThreshold is the fraction of lifetime elapsed that triggers a
// refresh, per spec §4.4.
const RefreshThreshold = 0.8

// Timeout bounds a single TURN request/response transaction.
const Timeout = 5 * time.Second

var (
	// ErrNotAllocated is returned by operations that require an active
	// allocation when none exists.
	ErrNotAllocated = errors.New("turnclient: no active allocation")
	// ErrAllocationFailed is returned when the allocate handshake could
	// not complete.
	ErrAllocationFailed = errors.New("turnclient: allocation failed")
	// ErrUnexpectedResponse is returned when a response's message type
	// doesn't match the request sent.
	ErrUnexpectedResponse = errors.New("turnclient: unexpected response type")
)

// RelayedAddress is the server-allocated public endpoint traffic can be
// sent to and received from on the relay's behalf.
type RelayedAddress struct {
	IP   net.IP
	Port int
}

// Credentials holds the long-term-credential parameters, derived from
// the server's 401 challenge per spec §4.4.
type Credentials struct {
	Username string
	Realm    string
	Nonce    string
	Password string
}

// key derives the long-term credential MAC key, MD5(username:realm:password).
func (c Credentials) key() []byte {
	sum := md5.Sum([]byte(c.Username + ":" + c.Realm + ":" + c.Password))
	return sum[:]
}

// Client manages a single TURN allocation against one server.
type Client struct {
	ServerAddr string
	Username   string
	Password   string

	mu    sync.Mutex
	conn  *net.UDPConn
	state State
	creds Credentials
	relay RelayedAddress
	expiry time.Time

	log *logrus.Entry
}

// New constructs a TURN client targeting serverAddr ("host:port"), with
// the short-term username/password the caller will derive long-term
// credentials from once challenged.
func New(serverAddr, username, password string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		ServerAddr: serverAddr,
		Username:   username,
		Password:   password,
		state:      StateIdle,
		log:        logger.WithField("component", "turnclient"),
	}
}

// State reports the allocation's current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RelayedAddress returns the allocated relay endpoint, valid only while
// State() == StateAllocated.
func (c *Client) RelayedAddress() RelayedAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relay
}

// Allocate performs the full allocate handshake: an unauthenticated
// ALLOCATE_REQUEST, then (on a 401 challenge) a second request carrying
// USERNAME/REALM/NONCE and MESSAGE-INTEGRITY under the derived long-term
// key, per spec §4.4.
func (c *Client) Allocate() error {
	c.mu.Lock()
	c.state = StateAllocating
	c.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp4", c.ServerAddr)
	if err != nil {
		c.fail()
		return fmt.Errorf("turnclient: resolve %s: %w", c.ServerAddr, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		c.fail()
		return fmt.Errorf("turnclient: dial: %w", err)
	}

	resp, err := c.transact(conn, wire.Message{
		Type: wire.MsgAllocateRequest,
		TxID: wire.NewTransactionID(),
		Attrs: []wire.Attribute{
			{Type: wire.AttrRequestedTransport, Value: []byte{17, 0, 0, 0}},
		},
	}, nil)
	if err != nil {
		conn.Close()
		c.fail()
		return err
	}

	if resp.Type == wire.MsgAllocateResponse {
		return c.finishAllocate(conn, resp)
	}
	if resp.Type != wire.MsgAllocateError {
		conn.Close()
		c.fail()
		return fmt.Errorf("%w: 0x%04x", ErrUnexpectedResponse, resp.Type)
	}

	realmVal, _ := resp.Get(wire.AttrRealm)
	nonceVal, _ := resp.Get(wire.AttrNonce)
	creds := Credentials{
		Username: c.Username,
		Password: c.Password,
		Realm:    string(realmVal),
		Nonce:    string(nonceVal),
	}

	resp, err = c.transact(conn, wire.Message{
		Type: wire.MsgAllocateRequest,
		TxID: wire.NewTransactionID(),
		Attrs: []wire.Attribute{
			{Type: wire.AttrRequestedTransport, Value: []byte{17, 0, 0, 0}},
			{Type: wire.AttrUsername, Value: []byte(creds.Username)},
			{Type: wire.AttrRealm, Value: []byte(creds.Realm)},
			{Type: wire.AttrNonce, Value: []byte(creds.Nonce)},
		},
	}, creds.key())
	if err != nil {
		conn.Close()
		c.fail()
		return err
	}
	if resp.Type != wire.MsgAllocateResponse {
		conn.Close()
		c.fail()
		return fmt.Errorf("%w after credential challenge: 0x%04x", ErrAllocationFailed, resp.Type)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return c.finishAllocate(conn, resp)
}

func (c *Client) finishAllocate(conn *net.UDPConn, resp wire.Message) error {
	val, ok := resp.Get(wire.AttrXorRelayedAddress)
	if !ok {
		conn.Close()
		c.fail()
		return fmt.Errorf("%w: missing xor-relayed-address", ErrAllocationFailed)
	}
	ip, port, err := wire.DecodeXorAddress(val)
	if err != nil {
		conn.Close()
		c.fail()
		return fmt.Errorf("%w: decode relayed address: %v", ErrAllocationFailed, err)
	}

	lifetime := DefaultLifetime
	if lt, ok := resp.Get(wire.AttrLifetime); ok && len(lt) == 4 {
		lifetime = time.Duration(binary.BigEndian.Uint32(lt)) * time.Second
	}

	c.mu.Lock()
	c.conn = conn
	c.relay = RelayedAddress{IP: net.IP(ip[:]), Port: int(port)}
	c.expiry = time.Now().Add(lifetime)
	c.state = StateAllocated
	c.mu.Unlock()
	return nil
}

func (c *Client) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

// transact sends req and waits up to Timeout for a response with a
// matching transaction id.
func (c *Client) transact(conn *net.UDPConn, req wire.Message, key []byte) (wire.Message, error) {
	if _, err := conn.Write(req.Encode(key)); err != nil {
		return wire.Message{}, fmt.Errorf("turnclient: send: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return wire.Message{}, fmt.Errorf("turnclient: set deadline: %w", err)
	}
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return wire.Message{}, fmt.Errorf("turnclient: receive: %w", err)
	}
	resp, err := wire.DecodeMessage(buf[:n])
	if err != nil {
		return wire.Message{}, fmt.Errorf("turnclient: decode response: %w", err)
	}
	if resp.TxID != req.TxID {
		return wire.Message{}, errors.New("turnclient: transaction id mismatch")
	}
	return resp, nil
}

// Refresh sends a REFRESH_REQUEST to extend the allocation's lifetime. On
// success it advances expiry; callers are expected to call it once
// RefreshThreshold of the current lifetime has elapsed, and to transition
// to failed themselves after repeated failures (spec §4.4).
func (c *Client) Refresh() error {
	c.mu.Lock()
	conn := c.conn
	creds := c.creds
	state := c.state
	c.mu.Unlock()
	if state != StateAllocated || conn == nil {
		return ErrNotAllocated
	}

	lifetimeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lifetimeBuf, uint32(DefaultLifetime/time.Second))

	attrs := []wire.Attribute{{Type: wire.AttrLifetime, Value: lifetimeBuf}}
	var key []byte
	if creds.Username != "" {
		attrs = append(attrs,
			wire.Attribute{Type: wire.AttrUsername, Value: []byte(creds.Username)},
			wire.Attribute{Type: wire.AttrRealm, Value: []byte(creds.Realm)},
			wire.Attribute{Type: wire.AttrNonce, Value: []byte(creds.Nonce)},
		)
		key = creds.key()
	}

	resp, err := c.transact(conn, wire.Message{Type: wire.MsgRefreshRequest, TxID: wire.NewTransactionID(), Attrs: attrs}, key)
	if err != nil {
		return err
	}
	if resp.Type != wire.MsgRefreshResponse {
		return fmt.Errorf("%w: refresh rejected", ErrAllocationFailed)
	}

	lifetime := DefaultLifetime
	if lt, ok := resp.Get(wire.AttrLifetime); ok && len(lt) == 4 {
		lifetime = time.Duration(binary.BigEndian.Uint32(lt)) * time.Second
	}
	c.mu.Lock()
	c.expiry = time.Now().Add(lifetime)
	c.mu.Unlock()
	return nil
}

// NeedsRefresh reports whether the allocation's remaining lifetime is at
// or below (1-RefreshThreshold) of DefaultLifetime, i.e. 120 s. The
// threshold is taken from DefaultLifetime, not from a lifetime the server
// granted, so an allocation granted a different lifetime is not refreshed
// at RefreshThreshold of that lifetime.
func (c *Client) NeedsRefresh(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAllocated {
		return false
	}
	remaining := c.expiry.Sub(now)
	threshold := time.Duration(float64(DefaultLifetime) * (1 - RefreshThreshold))
	return remaining <= threshold
}

// RunRefreshLoop polls NeedsRefresh and calls Refresh until the allocation
// fails or done is closed, per spec §5's "one refresher task per
// allocation".
func (c *Client) RunRefreshLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.State() != StateAllocated {
				return
			}
			if !c.NeedsRefresh(time.Now()) {
				continue
			}
			if err := c.Refresh(); err != nil {
				failures++
				c.log.WithError(err).WithField("failures", failures).Warn("turn refresh failed")
				if failures >= 3 {
					c.fail()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// CreatePermission installs a permission for peerIP/peerPort so relayed
// traffic to/from it will be allowed, per spec §4.4.
func (c *Client) CreatePermission(peerIP net.IP, peerPort int) error {
	c.mu.Lock()
	conn := c.conn
	creds := c.creds
	state := c.state
	c.mu.Unlock()
	if state != StateAllocated || conn == nil {
		return ErrNotAllocated
	}

	var ipArr [4]byte
	copy(ipArr[:], peerIP.To4())
	attrs := []wire.Attribute{
		{Type: wire.AttrXorPeerAddress, Value: wire.EncodeXorAddress(ipArr, uint16(peerPort))},
	}
	var key []byte
	if creds.Username != "" {
		attrs = append(attrs,
			wire.Attribute{Type: wire.AttrUsername, Value: []byte(creds.Username)},
			wire.Attribute{Type: wire.AttrRealm, Value: []byte(creds.Realm)},
			wire.Attribute{Type: wire.AttrNonce, Value: []byte(creds.Nonce)},
		)
		key = creds.key()
	}

	resp, err := c.transact(conn, wire.Message{Type: wire.MsgCreatePermRequest, TxID: wire.NewTransactionID(), Attrs: attrs}, key)
	if err != nil {
		return err
	}
	if resp.Type != wire.MsgCreatePermResponse {
		return fmt.Errorf("%w: create-permission rejected", ErrAllocationFailed)
	}
	return nil
}

// Send wraps payload in a SEND_INDICATION addressed to peerIP/peerPort and
// writes it to the allocation's socket. No response is expected for an
// indication.
func (c *Client) Send(peerIP net.IP, peerPort int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateAllocated || conn == nil {
		return ErrNotAllocated
	}

	var ipArr [4]byte
	copy(ipArr[:], peerIP.To4())
	msg := wire.Message{
		Type: wire.MsgSendIndication,
		TxID: wire.NewTransactionID(),
		Attrs: []wire.Attribute{
			{Type: wire.AttrXorPeerAddress, Value: wire.EncodeXorAddress(ipArr, uint16(peerPort))},
			{Type: wire.AttrData, Value: payload},
		},
	}
	_, err := conn.Write(msg.Encode(nil))
	return err
}

// RunReceiveLoop reads DATA_INDICATION messages off the allocation's socket
// and invokes handler with each sender's address and payload, until the
// allocation is no longer active or done is closed. Callers start this
// after a successful Allocate to receive relayed application traffic.
func (c *Client) RunReceiveLoop(done <-chan struct{}, handler func(ip net.IP, port int, payload []byte)) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		state := c.state
		c.mu.Unlock()
		if state != StateAllocated || conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.log.WithError(err).Debug("turn relay read failed")
			return
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			continue
		}
		ip, port, payload, err := ParseDataIndication(msg)
		if err != nil {
			continue
		}
		handler(ip, port, payload)
	}
}

// ParseDataIndication extracts the (peer address, payload) pair from an
// inbound DATA_INDICATION message, for the dispatcher to hand the payload
// back to the application path.
func ParseDataIndication(msg wire.Message) (ip net.IP, port int, payload []byte, err error) {
	if msg.Type != wire.MsgDataIndication {
		return nil, 0, nil, fmt.Errorf("%w: not a data indication", ErrUnexpectedResponse)
	}
	addrVal, ok := msg.Get(wire.AttrXorPeerAddress)
	if !ok {
		return nil, 0, nil, errors.New("turnclient: data indication missing peer address")
	}
	addr, p, err := wire.DecodeXorAddress(addrVal)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("turnclient: decode peer address: %w", err)
	}
	data, _ := msg.Get(wire.AttrData)
	return net.IP(addr[:]), int(p), data, nil
}

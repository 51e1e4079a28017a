// Package netio implements the single bound UDP socket each node owns (C3),
// including the firewall-bypass fallback port sequence and NAT-PMP/UPnP
// port mapping.
package netio

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// FirewallFriendlyPorts is the fixed fallback list tried, in order, when the
// requested bind port fails and firewall-bypass mode is enabled. These are
// ports commonly left open outbound by restrictive corporate firewalls.
//
// This is one of the few permitted process-global singletons (§9): it is a
// strictly read-only port list, never mutated after init.
var FirewallFriendlyPorts = []int{80, 443, 8080, 8443, 21, 22, 25, 53, 123, 5223}

const randomPortAttempts = 10
const randomPortLow = 10000
const randomPortHigh = 60000

// ErrBindFailed is returned when the requested port, every firewall-friendly
// port, and every random-port attempt all failed to bind.
var ErrBindFailed = errors.New("netio: unable to bind a UDP socket on any candidate port")

// Endpoint carries a single node's own reachability information.
type Endpoint struct {
	// Conn is the bound socket. Receive is exclusive to one goroutine (the
	// dispatcher's receive loop); Send may be called concurrently from any
	// goroutine, matching the shared-send/exclusive-receive UDP sharing rule
	// in spec §5.
	Conn *net.UDPConn

	// Port is the UDP port the socket ended up bound to.
	Port int

	log *logrus.Entry
}

// Options controls how Bind attempts to acquire a socket.
type Options struct {
	RequestedPort   int
	FirewallBypass  bool
	Logger          *logrus.Logger
}

// Bind opens the node's single UDP socket, trying the requested port first;
// if that fails and FirewallBypass is set, it walks FirewallFriendlyPorts
// and then up to randomPortAttempts random ports in [10000, 60000).
func Bind(opts Options) (*Endpoint, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "netio")

	if conn, port, err := tryBind(opts.RequestedPort); err == nil {
		entry.WithField("port", port).Info("udp socket bound")
		return &Endpoint{Conn: conn, Port: port, log: entry}, nil
	} else {
		entry.WithError(err).WithField("port", opts.RequestedPort).Warn("requested port bind failed")
	}

	if !opts.FirewallBypass {
		return nil, fmt.Errorf("netio: bind port %d: %w", opts.RequestedPort, ErrBindFailed)
	}

	for _, port := range FirewallFriendlyPorts {
		if conn, bound, err := tryBind(port); err == nil {
			entry.WithField("port", bound).Info("udp socket bound to firewall-friendly port")
			return &Endpoint{Conn: conn, Port: bound, log: entry}, nil
		}
	}

	for i := 0; i < randomPortAttempts; i++ {
		port := randomPortLow + rand.Intn(randomPortHigh-randomPortLow)
		if conn, bound, err := tryBind(port); err == nil {
			entry.WithField("port", bound).Info("udp socket bound to random fallback port")
			return &Endpoint{Conn: conn, Port: bound, log: entry}, nil
		}
	}

	return nil, ErrBindFailed
}

func tryBind(port int) (*net.UDPConn, int, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, 0, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	return conn, local.Port, nil
}

// Send is a best-effort, non-blocking write with no application-level ack,
// per spec §4.2.
func (e *Endpoint) Send(to *net.UDPAddr, data []byte) error {
	_, err := e.Conn.WriteToUDP(data, to)
	return err
}

// Receive reads one datagram with a 1-second deadline so the caller's
// maintenance loop can progress even with no traffic, per spec §4.2/§5.
func (e *Endpoint) Receive(buf []byte) (n int, from *net.UDPAddr, err error) {
	e.Conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	return e.Conn.ReadFromUDP(buf)
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	return e.Conn.Close()
}

// IsTimeout reports whether err is a socket read/write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

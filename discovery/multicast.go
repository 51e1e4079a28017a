// Package discovery implements the two peer-feeding mechanisms that are
// disjoint from the DHT (C10): LAN multicast announce/query and directory
// gossip publish/list, per spec §4.9. Both only ever call
// peertable.AddOrUpdate; neither participates in the DHT or rendezvous
// protocols.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/kadmesh/node/peertable"
)

// MulticastAddr and MulticastPort are the fixed LAN discovery group,
// per spec §4.9/§6.
const (
	MulticastAddr = "239.255.255.251"
	MulticastPort = 8889
	MulticastTTL  = 32
)

// AnnounceInterval and QueryInterval are the two discovery cadences.
const (
	AnnounceInterval = 5 * time.Second
	QueryInterval    = 15 * time.Second
)

// datagram kinds, per spec §6's multicast message shape.
const (
	kindAnnounce uint8 = 1
	kindQuery    uint8 = 2
	kindResponse uint8 = 3
)

// ipFieldLen is the fixed-width string field length the wire datagram
// reserves for each IP address, per spec §6.
const ipFieldLen = 16

// datagramLen is the fixed size of a LAN discovery datagram:
// type(1) + node_id(4) + ip(16) + port(4) + public_ip(16) + public_port(4)
// + is_public(1) + timestamp(4) + sequence(4).
const datagramLen = 1 + 4 + ipFieldLen + 4 + ipFieldLen + 4 + 1 + 4 + 4

// ErrShortDatagram is returned when a received packet is smaller than a
// valid LAN discovery datagram.
var ErrShortDatagram = errors.New("discovery: multicast datagram too short")

// datagram is the decoded form of a LAN discovery message.
type datagram struct {
	Kind       uint8
	NodeID     int32
	IP         string
	Port       int32
	PublicIP   string
	PublicPort int32
	IsPublic   bool
	Timestamp  uint32
	Sequence   uint32
}

func encodeDatagram(d datagram) []byte {
	buf := make([]byte, datagramLen)
	buf[0] = d.Kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(d.NodeID))
	copy(buf[5:5+ipFieldLen], padIP(d.IP))
	binary.BigEndian.PutUint32(buf[5+ipFieldLen:9+ipFieldLen], uint32(d.Port))
	off := 9 + ipFieldLen
	copy(buf[off:off+ipFieldLen], padIP(d.PublicIP))
	off += ipFieldLen
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(d.PublicPort))
	off += 4
	if d.IsPublic {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], d.Timestamp)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], d.Sequence)
	return buf
}

func decodeDatagram(raw []byte) (datagram, error) {
	if len(raw) < datagramLen {
		return datagram{}, ErrShortDatagram
	}
	d := datagram{Kind: raw[0]}
	d.NodeID = int32(binary.BigEndian.Uint32(raw[1:5]))
	d.IP = unpadIP(raw[5 : 5+ipFieldLen])
	off := 5 + ipFieldLen
	d.Port = int32(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4
	d.PublicIP = unpadIP(raw[off : off+ipFieldLen])
	off += ipFieldLen
	d.PublicPort = int32(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4
	d.IsPublic = raw[off] != 0
	off++
	d.Timestamp = binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	d.Sequence = binary.BigEndian.Uint32(raw[off : off+4])
	return d, nil
}

func padIP(ip string) []byte {
	buf := make([]byte, ipFieldLen)
	copy(buf, ip)
	return buf
}

func unpadIP(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// LocalRecord is the discovering node's own advertised identity.
type LocalRecord struct {
	NodeID     int32
	IP         string
	Port       int
	PublicIP   string
	PublicPort int
	IsPublic   bool
}

// Multicast drives LAN peer discovery over a single multicast-joined
// socket shared across every non-loopback interface, per spec §4.9.
type Multicast struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	local  LocalRecord
	table  *peertable.Table
	seqNum uint32
	log    *logrus.Entry
}

// NewMulticast joins the LAN discovery group on every non-loopback
// interface and returns a driver ready to run Serve/RunAnnounceLoop/
// RunQueryLoop.
func NewMulticast(local LocalRecord, table *peertable.Table, logger *logrus.Logger) (*Multicast, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: MulticastPort}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: MulticastPort})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen multicast: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetTTL(MulticastTTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: set ttl: %w", err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}
	joined := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		logger.Warn("discovery: joined multicast group on no interfaces")
	}

	return &Multicast{conn: conn, pconn: pconn, group: group, local: local, table: table, log: logger.WithField("component", "discovery")}, nil
}

func (m *Multicast) nextSeq() uint32 {
	m.seqNum++
	return m.seqNum
}

func (m *Multicast) send(kind uint8) {
	d := datagram{
		Kind:       kind,
		NodeID:     m.local.NodeID,
		IP:         m.local.IP,
		Port:       int32(m.local.Port),
		PublicIP:   m.local.PublicIP,
		PublicPort: int32(m.local.PublicPort),
		IsPublic:   m.local.IsPublic,
		Timestamp:  uint32(time.Now().Unix()),
		Sequence:   m.nextSeq(),
	}
	if _, err := m.conn.WriteToUDP(encodeDatagram(d), m.group); err != nil {
		m.log.WithError(err).Debug("multicast send failed")
	}
}

// RunAnnounceLoop sends an ANNOUNCE every AnnounceInterval until done is
// closed.
func (m *Multicast) RunAnnounceLoop(done <-chan struct{}) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.send(kindAnnounce)
		}
	}
}

// RunQueryLoop sends a QUERY every QueryInterval until done is closed.
func (m *Multicast) RunQueryLoop(done <-chan struct{}) {
	ticker := time.NewTicker(QueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.send(kindQuery)
		}
	}
}

// Serve reads datagrams until done is closed, importing previously-unknown
// senders into the peer table and answering unknown-sender QUERYs with an
// extra ANNOUNCE, per spec §4.9.
func (m *Multicast) Serve(done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := m.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			m.log.WithError(err).Warn("set read deadline")
			return
		}
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		d, err := decodeDatagram(buf[:n])
		if err != nil {
			continue
		}
		if d.NodeID == m.local.NodeID {
			continue
		}
		senderKey := fmt.Sprintf("discovery:%d", d.NodeID)
		if m.table.SeenDatagram(senderKey, d.Sequence) {
			continue
		}

		// The multicast datagram's node_id is already the stable per-node
		// integer handle the peer table keys on (spec §6), so it is used
		// directly as the peer id rather than minted fresh.
		_, known := m.table.Lookup(d.NodeID)
		local := peertable.Endpoint{IP: d.IP, Port: int(d.Port)}
		var public *peertable.Endpoint
		if d.PublicIP != "" {
			public = &peertable.Endpoint{IP: d.PublicIP, Port: int(d.PublicPort)}
		}
		if err := m.table.AddOrUpdate(d.NodeID, local, public); err != nil {
			m.log.WithError(err).Debug("discovery add_or_update failed")
		}

		if d.Kind == kindQuery && !known {
			m.send(kindAnnounce)
		}
	}
}

// Close releases the multicast socket.
func (m *Multicast) Close() error {
	return m.conn.Close()
}

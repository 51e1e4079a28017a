package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadmesh/node/dht"
	"github.com/kadmesh/node/discovery"
	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/netio"
	"github.com/kadmesh/node/peertable"
	"github.com/kadmesh/node/rendezvous"
	"github.com/kadmesh/node/stunclient"
	"github.com/kadmesh/node/turnclient"
	"github.com/kadmesh/node/wire"
)

// KeepaliveInterval is the PING cadence to every known peer, per spec §4.10.
const KeepaliveInterval = 15 * time.Second

// ProbeAfter gates the reconnect-probe threshold; the reap threshold is
// peertable.StaleAfter, per spec §4.10 ("silent for 2*KEEPALIVE_INTERVAL but
// < 5 min are probed... silent > 5 min are reaped").
const ProbeAfter = 2 * KeepaliveInterval

// HolePunchAttempts / HolePunchInterval describe the direct hole-punch
// burst; HolePunchBypassInterval is used when retrying against the
// firewall-friendly port list, per spec §4.10.
const (
	HolePunchAttempts       = 5
	HolePunchInterval       = 100 * time.Millisecond
	HolePunchBypassInterval = 50 * time.Millisecond
)

// Node composes every optional service behind explicit typed fields,
// replacing the source's untyped per-node pointer slots (spec §9). A field
// is non-nil only when the corresponding Config flag was set at Build time.
type Node struct {
	cfg   Config
	log   *logrus.Entry
	local identity.NodeID

	socket *netio.Endpoint
	peers  *peertable.Table

	dht        *dht.Engine
	rendezvous *rendezvous.Directory
	turn       *turnclient.Client
	stun       *stunclient.Client
	ice        *iceSessions
	multicast  *discovery.Multicast
	directory  discovery.DirectoryBackend

	mu         sync.Mutex
	seqCount   uint32
	publicIP   string
	publicPort int
	behindNAT  bool

	done chan struct{}
}

// Build constructs a Node from cfg: binds the socket, then wires in each
// optional service Config requests, following the lock order peer-table
// → DHT → rendezvous → ICE → TURN described in spec §5 (each service owns
// its own mutex; Build never holds more than one at a time).
func Build(cfg Config, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "node")

	socket, err := netio.Bind(netio.Options{RequestedPort: cfg.ListenPort, FirewallBypass: cfg.FirewallBypass, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("node: bind socket: %w", err)
	}

	local := identity.FromString(cfg.NodeNum, cfg.AdvertisedIP, socket.Port)

	n := &Node{
		cfg:    cfg,
		log:    log,
		local:  local,
		socket: socket,
		peers:  peertable.New(),
		done:   make(chan struct{}),
	}

	if cfg.DHT {
		store, err := openDHTStore(cfg.DHTStorePath)
		if err != nil {
			socket.Close()
			return nil, fmt.Errorf("node: open dht store: %w", err)
		}
		n.dht = dht.NewEngine(local, store, dhtTransport{n}, logger)
	}
	if cfg.Rendezvous {
		if n.dht == nil {
			socket.Close()
			return nil, fmt.Errorf("node: rendezvous requires dht")
		}
		self := rendezvous.EndpointTuple{NodeID: local, IP: cfg.AdvertisedIP, Port: socket.Port}
		n.rendezvous = rendezvous.New(n.dht, rendezvousTransport{n}, self, n.onRendezvousConnect, logger)
	}
	if cfg.TURN {
		n.turn = turnclient.New(cfg.TURNServerAddr, cfg.TURNUsername, cfg.TURNPassword, logger)
	}
	if cfg.NATTraversal && cfg.STUNServerAddr != "" {
		n.stun = stunclient.New(cfg.STUNServerAddr, logger)
	}
	if cfg.ICE {
		n.ice = newICESessions()
	}
	if cfg.LANDiscovery {
		mc, err := discovery.NewMulticast(discovery.LocalRecord{
			NodeID: identityToHandle(local),
			IP:     cfg.AdvertisedIP,
			Port:   socket.Port,
		}, n.peers, logger)
		if err != nil {
			log.WithError(err).Warn("lan discovery disabled: multicast join failed")
		} else {
			n.multicast = mc
		}
	}
	if cfg.DirectoryServer {
		if cfg.DirectoryServerAddr != "" {
			n.directory = discovery.NewHTTPDirectory(cfg.DirectoryServerAddr)
		} else {
			n.directory = discovery.NewMemoryDirectory()
		}
	}

	n.seedPeers()

	return n, nil
}

// openDHTStore opens a leveldb-backed value store at path, or falls back to
// an in-memory one when path is empty.
func openDHTStore(path string) (dht.Store, error) {
	if path == "" {
		return dht.NewValueStore(), nil
	}
	return dht.OpenDiskStore(path)
}

// identityToHandle derives a stable 32-bit handle from a 160-bit node id
// for use in the 32-bit integer id fields the peer table and LAN
// discovery datagrams carry.
func identityToHandle(id identity.NodeID) int32 {
	return int32(id[0])<<24 | int32(id[1])<<16 | int32(id[2])<<8 | int32(id[3])
}

// LocalID returns the node's 160-bit identity.
func (n *Node) LocalID() identity.NodeID { return n.local }

// Port returns the bound UDP port.
func (n *Node) Port() int { return n.socket.Port }

// Peers returns a snapshot of every peer currently known to this node.
func (n *Node) Peers() []peertable.Record { return n.peers.All() }

func (n *Node) nextSeq() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seqCount++
	return n.seqCount
}

// Run starts every task Config enabled and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	if n.stun != nil {
		if err := n.DiscoverPublicAddress(); err != nil {
			n.log.WithError(err).Warn("stun discovery failed, assuming direct reachability unknown")
		}
	}
	if n.turn != nil {
		if err := n.turn.Allocate(); err != nil {
			n.log.WithError(err).Warn("turn allocation failed, relayed candidates unavailable")
		}
	}
	if n.cfg.UPnP {
		if err := n.mapPortBestEffort(); err != nil {
			n.log.WithError(err).Warn("port mapping failed, relying on NAT traversal instead")
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); n.receiveLoop(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); n.maintenanceLoop(ctx) }()

	if n.dht != nil {
		wg.Add(1)
		go func() { defer wg.Done(); n.dht.RunRefreshLoop(ctx) }()
	}
	if n.turn != nil {
		wg.Add(1)
		go func() { defer wg.Done(); n.turn.RunRefreshLoop(n.done) }()
		wg.Add(1)
		go func() { defer wg.Done(); n.turn.RunReceiveLoop(n.done, n.handleRelayedFrame) }()
	}
	if n.multicast != nil {
		wg.Add(1)
		go func() { defer wg.Done(); n.multicast.Serve(n.done) }()
		wg.Add(1)
		go func() { defer wg.Done(); n.multicast.RunAnnounceLoop(n.done) }()
		// Plain LAN discovery only announces and answers queries passively
		// (Serve already replies to an inbound QUERY with an ANNOUNCE);
		// enhanced LAN discovery additionally probes the LAN actively,
		// mirroring the source's discovery.c vs enhanced_discovery.c split.
		if n.cfg.EnhancedLANDiscovery {
			wg.Add(1)
			go func() { defer wg.Done(); n.multicast.RunQueryLoop(n.done) }()
		}
	}
	if n.directory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			discovery.PollBackend(n.done, n.directory, n.knownPeer, n.importDirectoryRecord, n.log.Logger)
		}()
		wg.Add(1)
		go func() { defer wg.Done(); n.runDirectoryPublishLoop(n.done) }()
	}

	<-ctx.Done()
	close(n.done)
	n.socket.Close()
	if n.multicast != nil {
		n.multicast.Close()
	}
	wg.Wait()
}

func (n *Node) knownPeer(id int32) bool {
	_, ok := n.peers.Lookup(id)
	return ok
}

func (n *Node) importDirectoryRecord(rec discovery.DirectoryRecord) {
	local := peertable.Endpoint{IP: rec.IP, Port: rec.Port}
	var public *peertable.Endpoint
	if rec.PublicIP != "" {
		public = &peertable.Endpoint{IP: rec.PublicIP, Port: rec.PublicPort}
	}
	if err := n.peers.AddOrUpdate(rec.ID, local, public); err != nil {
		n.log.WithError(err).Debug("directory import failed")
	}
}

// runDirectoryPublishLoop publishes this node's own record to the directory
// backend immediately and then every discovery.PollInterval, per spec §4.9's
// "each node publishes its record to a shared directory service".
func (n *Node) runDirectoryPublishLoop(done <-chan struct{}) {
	n.publishSelf()

	ticker := time.NewTicker(discovery.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n.publishSelf()
		}
	}
}

func (n *Node) publishSelf() {
	ip, port, behindNAT := n.PublicAddress()
	rec := discovery.DirectoryRecord{
		ID:         identityToHandle(n.local),
		IP:         n.cfg.AdvertisedIP,
		Port:       n.socket.Port,
		PublicIP:   ip,
		PublicPort: port,
		IsPublic:   !behindNAT,
	}
	if err := n.directory.Publish(context.Background(), rec); err != nil {
		n.log.WithError(err).Debug("directory publish failed")
	}
}

// onRendezvousConnect is invoked when a rendezvous query/response/connect
// exchange identifies a member; the dispatcher adds it to the peer table
// and drives hole-punching, per spec §4.7.
func (n *Node) onRendezvousConnect(member rendezvous.EndpointTuple) {
	peerID := identityToHandle(member.NodeID)
	local := peertable.Endpoint{IP: member.IP, Port: member.Port}
	var public *peertable.Endpoint
	if member.PublicIP != "" {
		public = &peertable.Endpoint{IP: member.PublicIP, Port: member.PublicPort}
	}
	if err := n.peers.AddOrUpdate(peerID, local, public); err != nil {
		n.log.WithError(err).Debug("rendezvous connect add_or_update failed")
		return
	}
	n.peers.SetNodeID(peerID, member.NodeID)
	if member.BehindNAT {
		go n.HolePunch(peerID)
	}
}

// sendFrame serializes and writes a PeerFrame to addr.
func (n *Node) sendFrame(addr *net.UDPAddr, msgType wire.MessageType, seq uint32, toID int32, data []byte) error {
	frame := wire.PeerFrame{Type: msgType, Seq: seq, FromID: identityToHandle(n.local), ToID: toID, Data: data}
	encoded, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("node: encode frame: %w", err)
	}
	return n.socket.Send(addr, encoded)
}

package node

import (
	"fmt"
	"net"

	"github.com/kadmesh/node/netio"
	"github.com/kadmesh/node/rendezvous"
)

// DiscoverPublicAddress runs STUN binding discovery against cfg.STUNServerAddr
// and records the result on the node, per spec §4.4. Run calls it once at
// startup when a STUN client was configured (cfg.NATTraversal with a
// non-empty cfg.STUNServerAddr).
func (n *Node) DiscoverPublicAddress() error {
	if n.stun == nil {
		return nil
	}
	addr, err := n.stun.Discover()
	if err != nil {
		// Per spec, a STUN failure (DNS/send failure, timeout, malformed
		// response) leaves the node's NAT status as not-behind-NAT rather
		// than assuming the worse case.
		return fmt.Errorf("node: stun discovery: %w", err)
	}

	n.mu.Lock()
	n.publicIP = addr.IP.String()
	n.publicPort = addr.Port
	n.behindNAT = n.publicIP != n.cfg.AdvertisedIP || n.publicPort != n.socket.Port
	n.mu.Unlock()

	n.log.WithField("public_ip", n.publicIP).WithField("public_port", n.publicPort).
		WithField("behind_nat", n.behindNAT).Info("stun discovery complete")

	if n.rendezvous != nil {
		n.rendezvous.UpdateSelf(rendezvous.EndpointTuple{
			NodeID:     n.local,
			IP:         n.cfg.AdvertisedIP,
			Port:       n.socket.Port,
			PublicIP:   n.publicIP,
			PublicPort: n.publicPort,
			BehindNAT:  n.behindNAT,
		})
	}
	return nil
}

// PublicAddress returns the last STUN-discovered reflexive endpoint and
// whether this node is believed to sit behind a NAT.
func (n *Node) PublicAddress() (ip string, port int, behindNAT bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publicIP, n.publicPort, n.behindNAT
}

// MapPort attempts NAT-PMP/UPnP port mapping for the node's bound UDP port
// against the given gateway, per spec §4.3. An error here is non-fatal since
// STUN/relay traversal remain available.
func (n *Node) MapPort(gateway net.IP) error {
	if !n.cfg.UPnP {
		return nil
	}
	mapper, err := netio.DiscoverPortMapper(gateway, n.log.Logger)
	if err != nil {
		return fmt.Errorf("node: port mapping: %w", err)
	}
	if err := mapper.AddPortMapping(n.socket.Port, n.socket.Port, "udp"); err != nil {
		return fmt.Errorf("node: add port mapping: %w", err)
	}
	return nil
}

// mapPortBestEffort resolves the LAN gateway and calls MapPort against it,
// for Run to invoke when Config.UPnP is set without requiring the caller to
// supply a gateway address.
func (n *Node) mapPortBestEffort() error {
	gateway, err := netio.DefaultGateway()
	if err != nil {
		return fmt.Errorf("node: resolve gateway: %w", err)
	}
	return n.MapPort(gateway)
}

package node

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kadmesh/node/peertable"
)

// ParsePeerSeed parses a remote-peer seed formatted "id:ip:port", the
// CLI seed format spec §6 names alongside the feature flags.
func ParsePeerSeed(s string) (id int32, ip string, port int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, "", 0, fmt.Errorf("node: peer seed %q: want id:ip:port", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", 0, fmt.Errorf("node: peer seed %q: bad id: %w", s, err)
	}
	p, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, "", 0, fmt.Errorf("node: peer seed %q: bad port: %w", s, err)
	}
	return int32(n), parts[1], p, nil
}

// seedPeers parses and loads cfg.PeerSeeds into the peer table, logging and
// skipping (rather than failing startup over) any malformed entry, per
// spec §7's protocol-error handling.
func (n *Node) seedPeers() {
	for _, raw := range n.cfg.PeerSeeds {
		id, ip, port, err := ParsePeerSeed(raw)
		if err != nil {
			n.log.WithError(err).Warn("dropped malformed peer seed")
			continue
		}
		if err := n.peers.AddOrUpdate(id, peertable.Endpoint{IP: ip, Port: port}, nil); err != nil {
			n.log.WithError(err).WithField("peer", id).Warn("peer seed rejected")
		}
	}
}

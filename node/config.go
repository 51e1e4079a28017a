// Package node implements the dispatcher (C11): the receive loop, message
// demultiplexer, liveness/reconnect maintenance, hole-punch driver, and
// peer-list exchange that tie every other component together into one
// addressable node, per spec §4.10.
package node

// Config is the typed, optional-sub-record builder input described in
// spec §9, replacing the source's untyped per-node pointer slots: each
// optional service is modeled as an explicit field on Node, constructed
// only when its Config flag is set. No late-bound casts are used anywhere
// in Build.
type Config struct {
	ListenPort   int
	NodeNum      int
	AdvertisedIP string

	NATTraversal         bool
	UPnP                 bool
	LANDiscovery         bool
	EnhancedLANDiscovery bool
	DirectoryServer      bool
	DirectoryServerAddr  string
	FirewallBypass       bool
	DHT                  bool
	// DHTStorePath, if non-empty, backs the DHT value store with a leveldb
	// database at this path instead of an in-memory one, so stored values
	// survive a restart.
	DHTStorePath   string
	Rendezvous     bool
	TURN           bool
	TURNServerAddr string
	TURNUsername   string
	TURNPassword   string
	ICE            bool
	STUNServerAddr string

	// PeerSeeds lists remote peers to add to the peer table at startup,
	// each formatted "id:ip:port", per spec §6's CLI surface.
	PeerSeeds []string
}

// Command kadmeshd runs one kadmesh peer: it binds a UDP socket, wires in
// whichever optional services the flags request, and serves an interactive
// stdin command loop for inspecting and driving the running node, per spec
// §6/§7.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kadmesh/node/identity"
	"github.com/kadmesh/node/node"
)

func main() {
	app := &cli.App{
		Name:  "kadmeshd",
		Usage: "run a kadmesh DHT/rendezvous/NAT-traversal peer",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 8000, Usage: "UDP port to bind"},
			&cli.IntFlag{Name: "node-num", Value: 1, Usage: "local node number, used to derive this node's identity"},
			&cli.StringFlag{Name: "advertised-ip", Value: "127.0.0.1", Usage: "IP address other peers should use to reach this node"},
			&cli.BoolFlag{Name: "nat-traversal", Value: true},
			&cli.BoolFlag{Name: "upnp", Value: false},
			&cli.BoolFlag{Name: "lan-discovery", Value: true},
			&cli.BoolFlag{Name: "enhanced-lan-discovery", Value: false, Usage: "actively probe the LAN discovery group with periodic queries, instead of only announcing and answering"},
			&cli.BoolFlag{Name: "directory-server", Value: false},
			&cli.StringFlag{Name: "directory-server-addr", Value: ""},
			&cli.BoolFlag{Name: "firewall-bypass", Value: false},
			&cli.BoolFlag{Name: "dht", Value: true},
			&cli.StringFlag{Name: "dht-store", Value: "", Usage: "path to a leveldb database for persisting the DHT value store; empty keeps it in-memory"},
			&cli.BoolFlag{Name: "rendezvous", Value: true},
			&cli.BoolFlag{Name: "turn", Value: false},
			&cli.StringFlag{Name: "turn-server", Value: ""},
			&cli.StringFlag{Name: "turn-username", Value: ""},
			&cli.StringFlag{Name: "turn-password", Value: ""},
			&cli.BoolFlag{Name: "ice", Value: false},
			&cli.StringFlag{Name: "stun-server", Value: ""},
			&cli.StringSliceFlag{Name: "peer-seed", Usage: "remote peer to seed the peer table with at startup, formatted id:ip:port (repeatable)"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kadmeshd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("kadmeshd: bad log level: %w", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := node.Config{
		ListenPort:           c.Int("port"),
		NodeNum:              c.Int("node-num"),
		AdvertisedIP:         c.String("advertised-ip"),
		NATTraversal:         c.Bool("nat-traversal"),
		UPnP:                 c.Bool("upnp"),
		LANDiscovery:         c.Bool("lan-discovery"),
		EnhancedLANDiscovery: c.Bool("enhanced-lan-discovery"),
		DirectoryServer:      c.Bool("directory-server"),
		DirectoryServerAddr:  c.String("directory-server-addr"),
		FirewallBypass:       c.Bool("firewall-bypass"),
		DHT:                  c.Bool("dht"),
		DHTStorePath:         c.String("dht-store"),
		Rendezvous:           c.Bool("rendezvous"),
		TURN:                 c.Bool("turn"),
		TURNServerAddr:       c.String("turn-server"),
		TURNUsername:         c.String("turn-username"),
		TURNPassword:         c.String("turn-password"),
		ICE:                  c.Bool("ice"),
		STUNServerAddr:       c.String("stun-server"),
		PeerSeeds:            c.StringSlice("peer-seed"),
	}

	n, err := node.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("kadmeshd: build node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	logger.WithField("node_id", n.LocalID()).WithField("port", n.Port()).Info("kadmeshd started")
	runCommandLoop(n, cancel)

	<-done
	return nil
}

func runCommandLoop(n *node.Node, shutdown context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("kadmeshd ready. type 'help' for commands.")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "help":
			printHelp()
		case "status":
			ip, port, behindNAT := n.PublicAddress()
			fmt.Printf("node_id=%s port=%d public=%s:%d behind_nat=%v\n", n.LocalID(), n.Port(), ip, port, behindNAT)
		case "list", "nodes":
			printPeers(n)
		case "ping":
			if len(args) != 1 {
				fmt.Println("usage: ping <peer-id>")
				continue
			}
			handlePing(n, args[0])
		case "send":
			if len(args) < 2 {
				fmt.Println("usage: send <peer-id> <message>")
				continue
			}
			handleSend(n, args[0], strings.Join(args[1:], " "))
		case "diag":
			fmt.Printf("node_id=%s port=%d\n", n.LocalID(), n.Port())
		case "find":
			if len(args) < 2 || args[0] != "dht" {
				fmt.Println("usage: find dht <key>")
				continue
			}
			handleDHTFind(n, args[1])
		case "store":
			if len(args) < 3 || args[0] != "dht" {
				fmt.Println("usage: store dht <key> <value>")
				continue
			}
			handleDHTStore(n, args[1], strings.Join(args[2:], " "))
		case "get":
			if len(args) < 2 || args[0] != "dht" {
				fmt.Println("usage: get dht <key>")
				continue
			}
			handleDHTGet(n, args[1])
		case "rendezvous":
			handleRendezvous(n, args)
		case "ice":
			if len(args) != 1 {
				fmt.Println("usage: ice <peer-id>")
				continue
			}
			handleICE(n, args[0])
		case "exit", "quit":
			shutdown()
			return
		default:
			fmt.Printf("unknown command %q; type 'help'\n", cmd)
		}
	}
	shutdown()
}

func printHelp() {
	fmt.Println(`commands:
  status                        show this node's identity and reachability
  list | nodes                  list known peers
  ping <id>                     send a hole-punch burst (NAT_TRAVERSAL frames) to a known peer
  send <id> <message>           send a DATA frame to a known peer
  find dht <key>                look up the nodes closest to a key via the DHT
  store dht <key> <value>       store a value under a key's DHT id
  get dht <key>                 resolve a key's value from the DHT
  ice <peer-id>                 run ICE candidate gathering and pair selection against a known peer
  rendezvous join <key>         join a rendezvous group
  rendezvous leave <key>        leave a rendezvous group
  rendezvous find <key>         query a rendezvous group for members
  diag                          print internal diagnostics
  exit | quit                   shut down this node`)
}

func printPeers(n *node.Node) {
	fmt.Printf("local node: %s on port %d\n", n.LocalID(), n.Port())
	for _, p := range n.Peers() {
		fmt.Printf("  peer %d at %s:%d (public=%v reachable=%v)\n", p.PeerID, p.Local.IP, p.Local.Port, p.HasPublic, p.Reachable)
	}
}

func handlePing(n *node.Node, idArg string) {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		fmt.Println("bad peer id:", err)
		return
	}
	go n.HolePunch(int32(id))
	fmt.Println("ping sent")
}

func handleSend(n *node.Node, idArg, message string) {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		fmt.Println("bad peer id:", err)
		return
	}
	if err := n.SendData(int32(id), []byte(message)); err != nil {
		fmt.Println("send failed:", err)
	}
}

func handleDHTFind(n *node.Node, key string) {
	id := identity.HashString(key)
	contacts, err := n.FindDHTNode(id)
	if err != nil {
		fmt.Println("dht find failed:", err)
		return
	}
	for _, c := range contacts {
		fmt.Printf("  %s at %s:%d\n", c.ID, c.IP, c.Port)
	}
}

func handleDHTStore(n *node.Node, key, value string) {
	if err := n.StoreDHTValue(key, []byte(value)); err != nil {
		fmt.Println("dht store failed:", err)
	}
}

func handleDHTGet(n *node.Node, key string) {
	value, closest, err := n.FindDHTValue(key)
	if err != nil {
		fmt.Println("dht get failed:", err)
		return
	}
	if value != nil {
		fmt.Printf("  %s\n", value)
		return
	}
	fmt.Println("not found locally; closest nodes to query next:")
	for _, c := range closest {
		fmt.Printf("  %s at %s:%d\n", c.ID, c.IP, c.Port)
	}
}

func handleICE(n *node.Node, idArg string) {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		fmt.Println("bad peer id:", err)
		return
	}
	pair, err := n.StartICE(int32(id), true)
	if err != nil {
		fmt.Println("ice failed:", err)
		return
	}
	if pair == nil {
		fmt.Println("ice: no viable candidate pair")
		return
	}
	fmt.Printf("ice: selected pair local=%s:%d remote=%s:%d priority=%d\n",
		pair.Local.IP, pair.Local.Port, pair.Remote.IP, pair.Remote.Port, pair.Priority)
}

func handleRendezvous(n *node.Node, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: rendezvous <join|leave|find> <key>")
		return
	}
	sub, key := args[0], args[1]
	var err error
	switch sub {
	case "join":
		err = n.JoinRendezvous(key)
	case "leave":
		err = n.LeaveRendezvous(key)
	case "find":
		err = n.FindRendezvous(key)
	default:
		fmt.Println("usage: rendezvous <join|leave|find> <key>")
		return
	}
	if err != nil {
		fmt.Println("rendezvous command failed:", err)
	}
}

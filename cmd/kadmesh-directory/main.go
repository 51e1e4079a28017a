// Command kadmesh-directory runs the shared directory-gossip service spec
// §4.9 describes nodes publishing to and polling every 30 s: an in-memory
// record store exposed over HTTP, the counterpart to the node's
// `--directory-server-addr` flag (discovery.HTTPDirectory).
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kadmesh/node/discovery"
)

func main() {
	app := &cli.App{
		Name:  "kadmesh-directory",
		Usage: "serve the shared peer directory over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen-addr", Value: ":7700", Usage: "address to serve the directory HTTP API on"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kadmesh-directory:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("kadmesh-directory: bad log level: %w", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	addr := c.String("listen-addr")
	server := discovery.NewDirectoryServer(discovery.NewMemoryDirectory())

	logger.WithField("addr", addr).Info("kadmesh-directory listening")
	return http.ListenAndServe(addr, server)
}

// Package cmd wires the node roles behind the titan binary: "silo" runs a
// plain cluster node, "gateway" runs a node that also serves the public edge.
package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/titanworks/titan/config"
)

const ServiceName = "titan"

// Startup failures map onto distinct exit codes so orchestrators can tell a
// bad config from an unreachable collaborator.
var (
	ErrClusterKV = errors.New("cluster KV unreachable") // exit 2
	ErrStorage   = errors.New("storage unreachable")    // exit 3
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, ErrClusterKV):
		return 2
	case errors.Is(err, ErrStorage):
		return 3
	default:
		return 1
	}
}

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Distributed virtual-actor backend for persistent multiplayer games",
		Commands: []*cli.Command{
			nodeCmd("silo", "Run a cluster node", false),
			nodeCmd("gateway", "Run a cluster node serving the public edge", true),
		},
	}
	return app.Run(os.Args)
}

func nodeCmd(name, usage string, serveGateway bool) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config_file")
			cfg, err := config.Load(path)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			app := NewApp(cfg, path, serveGateway)

			if err := app.Start(c.Context); err != nil {
				return cli.Exit(err.Error(), exitCode(err))
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}

package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/relaybridge/agent-relay/cmd"
	"github.com/relaybridge/agent-relay/pkg/config"
	"github.com/relaybridge/agent-relay/pkg/log"
)

func main() {
	app := &cli.Command{
		Name:  "agent-relay",
		Usage: "Bridge client connecting agent CLIs across project daemons",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if c.Bool("debug") {
				log.SetGlobalDebug(true)
			}
			if os.Getenv("AGENT_RELAY_DEBUG") == "1" {
				log.SetGlobalDebug(true)
			}
			if os.Getenv("DEBUG_SPAWN") == "1" {
				log.EnableDebugFor("spawner")
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.ConnectCommand(),
			cmd.StatusCommand(),
			cmd.SpawnCommand(),
			cmd.ReleaseCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.ForService("agent-relay").Errorf("%v", err)
		os.Exit(1)
	}
}

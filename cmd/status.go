package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/relaybridge/agent-relay/pkg/config"
	"github.com/relaybridge/agent-relay/pkg/relay"
)

// StatusCommand creates the status command: it connects briefly to every
// configured project and reports which ones reached Ready, then disconnects.
// It does not talk to a separate long-running connect process; per project
// Unix sockets allow more than one bridge client to hold a connection.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Report which configured projects are currently reachable",
		Action: func(ctx context.Context, c *cli.Command) error {
			return status(ctx, c.String("config"))
		},
	}
}

func status(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Bridge.Projects) == 0 {
		fmt.Println("no projects configured")
		return nil
	}

	b := relay.NewBridge(toProjectConfigs(cfg.Bridge.Projects), toOptions(cfg.Bridge), nil, nil)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	connectErr := b.Connect(connectCtx)
	defer b.Disconnect()

	connected := make(map[string]bool)
	for _, id := range b.GetConnectedProjects() {
		connected[id] = true
	}

	for _, p := range cfg.Bridge.Projects {
		state := "disconnected"
		if connected[p.ID] {
			state = "connected"
		}
		fmt.Printf("%-20s %-10s %s\n", p.ID, state, p.Root)
	}

	if connectErr != nil {
		fmt.Printf("\nwarning: %v\n", connectErr)
	}
	return nil
}

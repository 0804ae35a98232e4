package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/relaybridge/agent-relay/pkg/spawner"
)

// SpawnCommand creates the spawn command: it drives a Spawner directly
// against a project root, for local testing without a running connect
// process.
func SpawnCommand() *cli.Command {
	return &cli.Command{
		Name:  "spawn",
		Usage: "Spawn a worker in a project directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project", Required: true, Usage: "project root directory"},
			&cli.IntFlag{Name: "dashboard-port", Usage: "dashboard HTTP port for task injection (0 to disable)"},
			&cli.StringFlag{Name: "name", Required: true, Usage: "worker name"},
			&cli.StringFlag{Name: "cli", Required: true, Usage: "cli command to run (e.g. claude, codex)"},
			&cli.StringFlag{Name: "task", Usage: "initial task to inject once registered"},
			&cli.StringFlag{Name: "team", Usage: "team label"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			sp, err := spawner.New(c.String("project"), c.Int("dashboard-port"))
			if err != nil {
				return fmt.Errorf("creating spawner: %w", err)
			}
			defer sp.Close()
			result := sp.Spawn(spawner.SpawnRequest{
				Name: c.String("name"),
				CLI:  c.String("cli"),
				Task: c.String("task"),
				Team: c.String("team"),
			})
			if !result.Success {
				return fmt.Errorf("spawn failed: %s", result.Error)
			}
			fmt.Printf("spawned %s (pid %d)\n", result.Name, result.PID)
			return nil
		},
	}
}

// ReleaseCommand creates the release command, the counterpart to spawn.
func ReleaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "Release a previously spawned worker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project", Required: true, Usage: "project root directory"},
			&cli.IntFlag{Name: "dashboard-port", Usage: "dashboard HTTP port (0 to disable)"},
			&cli.StringFlag{Name: "name", Required: true, Usage: "worker name"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			sp, err := spawner.New(c.String("project"), c.Int("dashboard-port"))
			if err != nil {
				return fmt.Errorf("creating spawner: %w", err)
			}
			defer sp.Close()
			if !sp.Release(c.String("name")) {
				return fmt.Errorf("release failed or worker %q not found", c.String("name"))
			}
			fmt.Printf("released %s\n", c.String("name"))
			return nil
		},
	}
}

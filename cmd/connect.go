package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"

	"github.com/relaybridge/agent-relay/pkg/config"
	"github.com/relaybridge/agent-relay/pkg/monitor"
	"github.com/relaybridge/agent-relay/pkg/relay"
)

// ConnectCommand creates the connect command: it opens a bridge connection
// to every configured project and stays up until interrupted, reloading on
// SIGHUP or on a detected change to the config file.
func ConnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect the bridge to all configured projects and stay up",
		Action: func(ctx context.Context, c *cli.Command) error {
			return connect(ctx, c.String("config"))
		},
	}
}

func connect(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Bridge.Projects) == 0 {
		return fmt.Errorf("no projects configured in %s", configPath)
	}

	var (
		mu     sync.Mutex
		bridge *relay.Bridge
		hub    *monitor.Hub
		monSrv *http.Server
	)

	startBridge := func(cfg *config.Config) error {
		hub = monitor.NewHub(0)
		b := relay.NewBridge(toProjectConfigs(cfg.Bridge.Projects), toOptions(cfg.Bridge),
			hub.StateChangeSink(), hub.DeliverSink())

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := b.Connect(connectCtx); err != nil {
			return fmt.Errorf("connecting to projects: %w", err)
		}

		mu.Lock()
		bridge = b
		mu.Unlock()

		if cfg.Bridge.MonitorPort > 0 {
			mux := http.NewServeMux()
			monitor.NewServer(hub).RegisterRoutes(mux)
			monSrv = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Bridge.MonitorPort), Handler: mux}
			go func() {
				if err := monSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("monitor server stopped: %v", err)
				}
			}()
		}

		log.Printf("bridge connected to %d project(s)", len(cfg.Bridge.Projects))
		return nil
	}

	if err := startBridge(cfg); err != nil {
		return err
	}

	reload := func() {
		fresh, err := config.LoadConfig(configPath)
		if err != nil {
			log.Printf("reload failed, keeping current configuration: %v", err)
			return
		}

		mu.Lock()
		old := bridge
		oldMon := monSrv
		mu.Unlock()
		if old != nil {
			old.Disconnect()
		}
		if oldMon != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			oldMon.Shutdown(shutdownCtx)
			cancel()
		}

		if err := startBridge(fresh); err != nil {
			log.Printf("reload failed, bridge is disconnected: %v", err)
			return
		}
		cfg = fresh
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		log.Printf("warning: failed to create config file watcher: %v", werr)
	} else {
		defer watcher.Close()
		if err := watcher.Add(configPath); err != nil {
			log.Printf("warning: failed to watch config file %s: %v", configPath, err)
		}
	}

	var watcherEvents chan fsnotify.Event
	var watcherErrors chan error
	if watcher != nil {
		watcherEvents = watcher.Events
		watcherErrors = watcher.Errors
	}

	log.Println("bridge is up. press Ctrl+C to stop.")
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Println("received SIGHUP, reloading configuration")
				reload()
			default:
				log.Println("shutting down")
				mu.Lock()
				b := bridge
				m := monSrv
				mu.Unlock()
				if b != nil {
					b.Disconnect()
				}
				if m != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					m.Shutdown(shutdownCtx)
					cancel()
				}
				return nil
			}
		case event, ok := <-watcherEvents:
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					time.Sleep(200 * time.Millisecond)
					if _, err := os.Stat(configPath); os.IsNotExist(err) {
						continue
					}
					if err := watcher.Add(configPath); err != nil {
						log.Printf("warning: failed to re-watch config file: %v", err)
					}
				} else {
					time.Sleep(100 * time.Millisecond)
				}
				log.Println("config file changed, reloading")
				reload()
			}
		case err, ok := <-watcherErrors:
			if !ok {
				continue
			}
			log.Printf("config watcher error: %v", err)
		case <-ctx.Done():
			mu.Lock()
			b := bridge
			mu.Unlock()
			if b != nil {
				b.Disconnect()
			}
			return ctx.Err()
		}
	}
}

func toProjectConfigs(entries []config.ProjectEntry) []relay.ProjectConfig {
	out := make([]relay.ProjectConfig, len(entries))
	for i, e := range entries {
		out[i] = relay.ProjectConfig{
			ID:         e.ID,
			Root:       e.Root,
			SocketPath: e.SocketPath,
			LeadName:   e.LeadName,
			CLI:        e.CLI,
		}
	}
	return out
}

func toOptions(b config.BridgeConfig) relay.Options {
	return relay.Options{
		AgentName:            b.AgentName,
		Reconnect:            b.Reconnect,
		ReconnectDelay:       b.ReconnectDelay.Duration,
		MaxReconnectDelay:    b.MaxReconnectDelay.Duration,
		MaxReconnectAttempts: b.MaxReconnectAttempts,
	}
}

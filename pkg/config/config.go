// Package config loads and saves the bridge's TOML configuration: the
// handshake/reconnect policy and the list of projects to connect to.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config is the top-level document.
type Config struct {
	Bridge BridgeConfig `toml:"bridge"`
}

// BridgeConfig carries the handshake identity, reconnect policy, the
// optional monitor port, and the configured projects.
type BridgeConfig struct {
	AgentName            string          `toml:"agent_name"`
	Reconnect            bool            `toml:"reconnect"`
	ReconnectDelay       Duration        `toml:"reconnect_delay"`
	MaxReconnectDelay    Duration        `toml:"max_reconnect_delay"`
	MaxReconnectAttempts int             `toml:"max_reconnect_attempts"`
	MonitorPort          int             `toml:"monitor_port,omitempty"`
	Projects             []ProjectEntry  `toml:"projects"`
}

// ProjectEntry is one `[[bridge.projects]]` table.
type ProjectEntry struct {
	ID            string `toml:"id"`
	Root          string `toml:"root"`
	SocketPath    string `toml:"socket_path"`
	LeadName      string `toml:"lead_name"`
	CLI           string `toml:"cli"`
	DashboardPort int    `toml:"dashboard_port,omitempty"`
	ShadowRole    string `toml:"shadow_role,omitempty"`
}

// Duration wraps time.Duration so it round-trips through TOML as a string
// like "30s" rather than an opaque integer of nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// GetDefaultConfig returns a Config with the bridge's documented defaults
// and no projects.
func GetDefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			AgentName:         "__BridgeClient",
			Reconnect:         true,
			ReconnectDelay:    Duration{1 * time.Second},
			MaxReconnectDelay: Duration{30 * time.Second},
			Projects:          nil,
		},
	}
}

// LoadConfig reads and parses configPath, filling in the documented defaults
// for agent_name, reconnect_delay and max_reconnect_delay when they are unset;
// other fields keep their parsed or zero values (an absent reconnect key reads
// as false). A missing file is not an error: it yields the
// default configuration, matching the reference CLI's "run with zero setup"
// behavior.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Bridge.AgentName == "" {
		cfg.Bridge.AgentName = "__BridgeClient"
	}
	if cfg.Bridge.ReconnectDelay.Duration == 0 {
		cfg.Bridge.ReconnectDelay = Duration{1 * time.Second}
	}
	if cfg.Bridge.MaxReconnectDelay.Duration == 0 {
		cfg.Bridge.MaxReconnectDelay = Duration{30 * time.Second}
	}

	return &cfg, nil
}

// SaveConfig writes cfg to configPath as TOML.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o644)
}

// SaveTemplateConfig writes the commented sample template, with its
// placeholder storage directory rewritten to GetDefaultStorageDir().
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(c.generateConfigTemplate()), 0o644)
}

func (c *Config) generateConfigTemplate() string {
	return strings.Replace(configTemplate, "/home/user/.local/share/agent-relay", GetDefaultStorageDir(), 1)
}

// AddProject appends or replaces (by id) a project entry.
func (c *Config) AddProject(p ProjectEntry) {
	for i, existing := range c.Bridge.Projects {
		if existing.ID == p.ID {
			c.Bridge.Projects[i] = p
			return
		}
	}
	c.Bridge.Projects = append(c.Bridge.Projects, p)
}

// RemoveProject deletes the project entry with the given id, if present.
func (c *Config) RemoveProject(id string) {
	out := c.Bridge.Projects[:0]
	for _, p := range c.Bridge.Projects {
		if p.ID != id {
			out = append(out, p)
		}
	}
	c.Bridge.Projects = out
}

// GetDefaultStorageDir returns the default data directory, honoring
// XDG_DATA_HOME, creating it if necessary.
func GetDefaultStorageDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "./data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "agent-relay")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "./data"
	}
	return dir
}

// GetConfigDir returns the configuration directory, honoring
// XDG_CONFIG_HOME, creating it if necessary.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "agent-relay")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "."
	}
	return dir
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}

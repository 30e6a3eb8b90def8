// Package config handles loading and validating the ClawDesk configuration.
// Config is stored at ~/.clawdesk/clawdesk.yaml; CLAWDESK_CONFIG points elsewhere.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level ClawDesk configuration.
type Config struct {
	DataDir     string           `yaml:"dataDir,omitempty"`
	Connections []ConnectionSpec `yaml:"connections"`
	Client      ClientConfig     `yaml:"client"`
	Timeouts    TimeoutsConfig   `yaml:"timeouts"`
	Log         LogConfig        `yaml:"log"`
	Bridge      BridgeConfig     `yaml:"bridge"`
}

// ConnectionSpec is one saved gateway connection.
type ConnectionSpec struct {
	Name      string    `yaml:"name"`
	Endpoint  string    `yaml:"endpoint"`
	Token     string    `yaml:"token,omitempty"`
	Protocol  string    `yaml:"protocol,omitempty"` // "websocket" or "reverse"
	CreatedAt time.Time `yaml:"createdAt,omitempty"`
}

// ClientConfig describes how ClawDesk introduces itself during the handshake.
type ClientConfig struct {
	ID       string   `yaml:"id"`
	Version  string   `yaml:"version"`
	Platform string   `yaml:"platform"`
	Mode     string   `yaml:"mode"`
	Role     string   `yaml:"role"`
	Scopes   []string `yaml:"scopes"`

	// DeviceIdentity is the path of a signing identity; empty disables device auth.
	DeviceIdentity string `yaml:"deviceIdentity,omitempty"`
}

// TimeoutsConfig bounds the handshake and each request kind.
type TimeoutsConfig struct {
	Auth         time.Duration `yaml:"auth"`
	SessionsList time.Duration `yaml:"sessionsList"`
	History      time.Duration `yaml:"history"`
	Mutation     time.Duration `yaml:"mutation"`
}

// LogConfig configures file logging.
type LogConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	Stderr    bool   `yaml:"stderr"`
	MaxSizeMB int    `yaml:"maxSizeMB"`
	MaxAge    int    `yaml:"maxAgeDays"`
}

// BridgeConfig configures the local HTTP bridge.
type BridgeConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Connections: []ConnectionSpec{},
		Client: ClientConfig{
			ID:       "webchat",
			Version:  "1.0",
			Platform: "web",
			Mode:     "ui",
			Role:     "operator",
			Scopes:   []string{"operator.read", "operator.write", "operator.admin"},
		},
		Timeouts: TimeoutsConfig{
			Auth:         10 * time.Second,
			SessionsList: 5 * time.Second,
			History:      10 * time.Second,
			Mutation:     10 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 50,
			MaxAge:    7,
		},
		Bridge: BridgeConfig{
			Addr: "127.0.0.1:18791",
		},
	}
}

// ConfigDir returns the ClawDesk config directory (~/.clawdesk).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawdesk"
	}
	return filepath.Join(home, ".clawdesk")
}

// ConfigPath returns the path to the main config file.
func ConfigPath() string {
	if envPath := os.Getenv("CLAWDESK_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(ConfigDir(), "clawdesk.yaml")
}

// ResolvedDataDir returns where stores and state live.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return expandHome(c.DataDir)
	}
	return ConfigDir()
}

// Load reads and parses the config from disk.
// If the config file doesn't exist, it returns defaults.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}

	// Apply environment variable overrides.
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg *Config) error {
	return SaveFile(ConfigPath(), cfg)
}

// SaveFile writes cfg to path. Tokens are stored, so the file is private.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := marshalConfigYAML(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects duplicate or incomplete connections.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		name := strings.TrimSpace(conn.Name)
		if name == "" {
			return fmt.Errorf("connections[%d]: name is required", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("connections[%d]: duplicate name %q", i, name)
		}
		seen[key] = true
		switch conn.Protocol {
		case "", "websocket":
			if strings.TrimSpace(conn.Endpoint) == "" {
				return fmt.Errorf("connection %q: endpoint is required", name)
			}
		case "reverse":
		default:
			return fmt.Errorf("connection %q: unknown protocol %q", name, conn.Protocol)
		}
	}
	return nil
}

// FindConnection returns the connection named name, case-insensitively.
func (c *Config) FindConnection(name string) (ConnectionSpec, bool) {
	for _, conn := range c.Connections {
		if strings.EqualFold(conn.Name, strings.TrimSpace(name)) {
			return conn, true
		}
	}
	return ConnectionSpec{}, false
}

// UpsertConnection adds spec or replaces the connection with the same name.
// It reports whether an existing entry was replaced.
func (c *Config) UpsertConnection(spec ConnectionSpec) bool {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	for i, conn := range c.Connections {
		if strings.EqualFold(conn.Name, spec.Name) {
			spec.CreatedAt = conn.CreatedAt
			c.Connections[i] = spec
			return true
		}
	}
	c.Connections = append(c.Connections, spec)
	return false
}

// RemoveConnection deletes the connection named name.
func (c *Config) RemoveConnection(name string) bool {
	for i, conn := range c.Connections {
		if strings.EqualFold(conn.Name, strings.TrimSpace(name)) {
			c.Connections = append(c.Connections[:i], c.Connections[i+1:]...)
			return true
		}
	}
	return false
}

// applyEnvOverrides merges environment variables into configuration.
// CLAWDESK_GATEWAY_URL defines (or replaces) a connection named "default".
func applyEnvOverrides(cfg *Config) {
	url := os.Getenv("CLAWDESK_GATEWAY_URL")
	token := os.Getenv("CLAWDESK_GATEWAY_TOKEN")
	if url == "" && token == "" {
		return
	}
	spec, ok := cfg.FindConnection("default")
	if !ok {
		spec = ConnectionSpec{Name: "default", Protocol: "websocket"}
	}
	if url != "" {
		spec.Endpoint = url
	}
	if token != "" {
		spec.Token = token
	}
	if spec.Endpoint == "" {
		return
	}
	cfg.UpsertConnection(spec)
}

func marshalConfigYAML(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return yaml.MarshalWithOptions(cfg, yaml.Indent(2), yaml.IndentSequence(true))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ABOUTME: Configuration loading and parsing for tab-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "TAB_RELAY_CONFIG"

// Config represents the complete tab-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Watchers  []WatcherConfig `yaml:"watchers" toml:"watchers"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// AllowedOrigins are host patterns accepted on WebSocket upgrades in
	// addition to same-origin requests. "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration. An empty path disables the
// connection session history.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds broadcast and request correlation settings
type RelayConfig struct {
	AllTabsMode string `yaml:"all_tabs_mode" toml:"all_tabs_mode"`
	SendQueue   int    `yaml:"send_queue" toml:"send_queue"`

	AllTabsWindow  time.Duration `yaml:"-" toml:"-"`
	AllTabsTimeout time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AllTabsWindowRaw  string `yaml:"all_tabs_window" toml:"all_tabs_window"`
	AllTabsTimeoutRaw string `yaml:"all_tabs_timeout" toml:"all_tabs_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// Watcher modes.
const (
	WatcherModeKeys  = "keys"
	WatcherModeMatch = "match"
)

// WatcherConfig describes one OS watcher child process
type WatcherConfig struct {
	Name    string   `yaml:"name" toml:"name"`
	Command []string `yaml:"command" toml:"command"`
	Mode    string   `yaml:"mode" toml:"mode"`

	// Events is the allow-list for keys mode; empty means every media and
	// modifier key event.
	Events []string `yaml:"events" toml:"events"`

	// Match and Event configure match mode: any stdout line containing
	// Match emits Event.
	Match string `yaml:"match" toml:"match"`
	Event string `yaml:"event" toml:"event"`

	RestartDelay    time.Duration `yaml:"-" toml:"-"`
	RestartDelayRaw string        `yaml:"restart_delay" toml:"restart_delay"`
}

// RedisConfig holds the Redis Pub/Sub source configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes configuration data in the given format, then applies
// defaults and validates it.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location: $TAB_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/tab-relay/relay.yaml, then ~/.config/tab-relay/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tab-relay", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "tab-relay", "relay.yaml")
	}
	return filepath.Join(home, ".config", "tab-relay", "relay.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(c *Config) {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Relay.AllTabsMode == "" {
		c.Relay.AllTabsMode = "snapshot"
	}
	if c.Relay.AllTabsWindow == 0 {
		c.Relay.AllTabsWindow = 500 * time.Millisecond
	}
	if c.Relay.AllTabsTimeout == 0 {
		c.Relay.AllTabsTimeout = 5 * time.Second
	}
	if c.Relay.RequestTimeout == 0 {
		c.Relay.RequestTimeout = 5 * time.Second
	}
	if c.Relay.SendQueue == 0 {
		c.Relay.SendQueue = 64
	}
	for i := range c.Watchers {
		w := &c.Watchers[i]
		if w.Mode == "" {
			w.Mode = WatcherModeKeys
		}
		if w.RestartDelay == 0 {
			w.RestartDelay = time.Second
		}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "tab-relay"
	}
	if c.Redis.DedupeTTL == 0 {
		c.Redis.DedupeTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Relay.AllTabsMode {
	case "snapshot", "window":
	default:
		return fmt.Errorf("relay.all_tabs_mode must be snapshot or window, got %q", c.Relay.AllTabsMode)
	}
	if c.Relay.AllTabsMode == "window" && c.Relay.AllTabsWindow >= c.Relay.AllTabsTimeout {
		return fmt.Errorf("relay.all_tabs_window (%s) must be shorter than relay.all_tabs_timeout (%s)",
			c.Relay.AllTabsWindow, c.Relay.AllTabsTimeout)
	}
	if c.Relay.SendQueue < 1 {
		return fmt.Errorf("relay.send_queue must be positive")
	}

	names := make(map[string]bool)
	for i, w := range c.Watchers {
		if w.Name == "" {
			return fmt.Errorf("watchers[%d].name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("watchers[%d].name %q is not unique", i, w.Name)
		}
		names[w.Name] = true
		if len(w.Command) == 0 {
			return fmt.Errorf("watcher %q: command is required", w.Name)
		}
		switch w.Mode {
		case WatcherModeKeys:
		case WatcherModeMatch:
			if w.Match == "" || w.Event == "" {
				return fmt.Errorf("watcher %q: match mode requires match and event", w.Name)
			}
		default:
			return fmt.Errorf("watcher %q: mode must be keys or match, got %q", w.Name, w.Mode)
		}
	}

	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("redis.channel is required when redis is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.all_tabs_window", cfg.Relay.AllTabsWindowRaw, &cfg.Relay.AllTabsWindow},
		{"relay.all_tabs_timeout", cfg.Relay.AllTabsTimeoutRaw, &cfg.Relay.AllTabsTimeout},
		{"relay.request_timeout", cfg.Relay.RequestTimeoutRaw, &cfg.Relay.RequestTimeout},
		{"redis.dedupe_ttl", cfg.Redis.DedupeTTLRaw, &cfg.Redis.DedupeTTL},
	}
	for i := range cfg.Watchers {
		w := &cfg.Watchers[i]
		fields = append(fields, struct {
			name string
			raw  string
			dst  *time.Duration
		}{fmt.Sprintf("watchers[%d].restart_delay", i), w.RestartDelayRaw, &w.RestartDelay})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

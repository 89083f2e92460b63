// ABOUTME: Tests for configuration loading, env expansion, defaults, and validation
// ABOUTME: Exercises both the YAML and TOML decoders

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2")

	path := writeConfig(t, "relay.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  allowed_origins: ["chrome-extension://*"]
database:
  path: /tmp/relay.db
relay:
  all_tabs_mode: window
  all_tabs_window: 250ms
  all_tabs_timeout: 2s
  request_timeout: 3s
  send_queue: 16
watchers:
  - name: media
    command: ["node", "detect_media.js"]
  - name: wake
    command: ["log", "stream"]
    mode: match
    match: "Wake reason"
    event: wokeup_v2
    restart_delay: 5s
redis:
  enabled: true
  password: ${TEST_REDIS_PASSWORD}
  dedupe_ttl: 1m
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"chrome-extension://*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/tmp/relay.db", cfg.Database.Path)
	assert.Equal(t, "window", cfg.Relay.AllTabsMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.AllTabsWindow)
	assert.Equal(t, 2*time.Second, cfg.Relay.AllTabsTimeout)
	assert.Equal(t, 3*time.Second, cfg.Relay.RequestTimeout)
	assert.Equal(t, 16, cfg.Relay.SendQueue)

	require.Len(t, cfg.Watchers, 2)
	assert.Equal(t, WatcherModeKeys, cfg.Watchers[0].Mode)
	assert.Equal(t, time.Second, cfg.Watchers[0].RestartDelay)
	assert.Equal(t, 5*time.Second, cfg.Watchers[1].RestartDelay)

	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tab-relay", cfg.Redis.Channel)
	assert.Equal(t, time.Minute, cfg.Redis.DedupeTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[server]
http_addr = "localhost:7000"

[relay]
all_tabs_timeout = "10s"

[[watchers]]
name = "modifiers"
command = ["swift", "detect_modifiers_macos.swift"]
events = ["keyboardShift"]

[redis]
enabled = true
channel = "tabs"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:7000", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Relay.AllTabsTimeout)
	assert.Equal(t, "snapshot", cfg.Relay.AllTabsMode)
	require.Len(t, cfg.Watchers, 1)
	assert.Equal(t, []string{"keyboardShift"}, cfg.Watchers[0].Events)
	assert.Equal(t, "tabs", cfg.Redis.Channel)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Database.Path)
	assert.Equal(t, "snapshot", cfg.Relay.AllTabsMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.AllTabsWindow)
	assert.Equal(t, 5*time.Second, cfg.Relay.AllTabsTimeout)
	assert.Equal(t, 64, cfg.Relay.SendQueue)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, cfg, Default())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "bad.yaml", "relay:\n  request_timeout: soon\n"))
	assert.ErrorContains(t, err, "relay.request_timeout")

	_, err = Load(writeConfig(t, "neg.yaml", "relay:\n  request_timeout: -1s\n"))
	assert.ErrorContains(t, err, "must be positive")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "tailscale without hostname",
			yaml:   "tailscale:\n  enabled: true\n",
			errMsg: "tailscale.hostname is required",
		},
		{
			name:   "unknown all tabs mode",
			yaml:   "relay:\n  all_tabs_mode: fastest\n",
			errMsg: "relay.all_tabs_mode",
		},
		{
			name:   "window not shorter than timeout",
			yaml:   "relay:\n  all_tabs_mode: window\n  all_tabs_window: 5s\n  all_tabs_timeout: 5s\n",
			errMsg: "must be shorter",
		},
		{
			name:   "watcher without command",
			yaml:   "watchers:\n  - name: media\n",
			errMsg: "command is required",
		},
		{
			name:   "duplicate watcher names",
			yaml:   "watchers:\n  - name: a\n    command: [x]\n  - name: a\n    command: [y]\n",
			errMsg: "not unique",
		},
		{
			name:   "match watcher without event",
			yaml:   "watchers:\n  - name: wake\n    command: [x]\n    mode: match\n    match: Wake\n",
			errMsg: "requires match and event",
		},
		{
			name:   "unknown watcher mode",
			yaml:   "watchers:\n  - name: w\n    command: [x]\n    mode: poll\n",
			errMsg: "mode must be keys or match",
		},
		{
			name:   "bad log format",
			yaml:   "logging:\n  format: xml\n",
			errMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), FormatYAML)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TAB_RELAY_TEST_VAR", "value")

	assert.Equal(t, "a value b", expandEnvVars("a ${TAB_RELAY_TEST_VAR} b"))
	assert.Equal(t, "missing: ", expandEnvVars("missing: ${TAB_RELAY_UNSET_VAR}"))
	assert.Equal(t, "$NOT_BRACED", expandEnvVars("$NOT_BRACED"))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvPath, "/etc/tab-relay.yaml")
	assert.Equal(t, "/etc/tab-relay.yaml", DefaultPath())

	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "tab-relay", "relay.yaml"), DefaultPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/someone")
	assert.Equal(t, filepath.Join("/home/someone", ".config", "tab-relay", "relay.yaml"), DefaultPath())
}

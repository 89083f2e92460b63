// ABOUTME: Interactive config file generator for tab-relay init
// ABOUTME: Prompts for listener, history, watcher, and Redis settings and writes YAML

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/tab-relay/internal/config"
)

// getDataPath returns the data directory (XDG_DATA_HOME/tab-relay or ~/.local/share/tab-relay).
func getDataPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tab-relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "tab-relay")
	}
	return filepath.Join(home, ".local", "share", "tab-relay")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tab-relay configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var cfg config.Config

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	if origins := prompt(reader, "Extra allowed WebSocket origins (comma separated)", "chrome-extension://*"); origins != "" {
		cfg.Server.AllowedOrigins = splitTrim(origins)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	cfg.Tailscale.Enabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", "tab-relay")
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Session History ---")
	cfg.Database.Path = prompt(reader, "SQLite database path (empty disables history)", filepath.Join(getDataPath(), "relay.db"))

	fmt.Println("\n--- Relay ---")
	cfg.Relay.AllTabsMode = prompt(reader, "allTabs mode (snapshot/window)", "snapshot")
	cfg.Relay.AllTabsTimeoutRaw = prompt(reader, "allTabs timeout", "5s")
	if cfg.Relay.AllTabsMode == "window" {
		cfg.Relay.AllTabsWindowRaw = prompt(reader, "allTabs collection window", "500ms")
	}
	cfg.Relay.RequestTimeoutRaw = prompt(reader, "Request timeout", "5s")

	fmt.Println("\n--- Watchers ---")
	if cmd := prompt(reader, "Media key watcher command (empty to skip)", ""); cmd != "" {
		cfg.Watchers = append(cfg.Watchers, config.WatcherConfig{
			Name:    "keys",
			Command: strings.Fields(cmd),
			Mode:    config.WatcherModeKeys,
		})
	}
	if cmd := prompt(reader, "Wake watcher command (empty to skip)", ""); cmd != "" {
		cfg.Watchers = append(cfg.Watchers, config.WatcherConfig{
			Name:    "wake",
			Command: strings.Fields(cmd),
			Mode:    config.WatcherModeMatch,
			Match:   prompt(reader, "Line to match", "woke"),
			Event:   prompt(reader, "Event to emit", "wokeup_v2"),
		})
	}

	fmt.Println("\n--- Redis ---")
	cfg.Redis.Enabled = yes(prompt(reader, "Subscribe to a Redis channel?", "no"))
	if cfg.Redis.Enabled {
		cfg.Redis.Addr = prompt(reader, "Redis address", "localhost:6379")
		cfg.Redis.Channel = prompt(reader, "Channel", "tab-relay")
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", "text")

	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	// Round-trip through the parser so init never writes a file serve rejects.
	if _, err := config.Parse(body, config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	var out strings.Builder
	out.WriteString("# tab-relay configuration\n")
	out.WriteString("# Generated by tab-relay init\n\n")
	out.Write(body)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(out.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if cfg.Database.Path != "" {
		dataDir := filepath.Dir(cfg.Database.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("Data directory: %s\n", dataDir)
	}
	fmt.Println("\nTo start the relay:")
	fmt.Printf("  tab-relay serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

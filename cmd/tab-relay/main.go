// ABOUTME: Entry point for the tab-relay server and its operator subcommands
// ABOUTME: Relays events between browser tab agents, HTTP callers, OS watchers, and Redis

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tab-relay/internal/config"
	"github.com/2389/tab-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _        _                    _
 | |_ __ _| |__      _ __ ___  | | __ _ _   _
 | __/ _' | '_ \ ___| '__/ _ \ | |/ _' | | | |
 | || (_| | |_) |___| | |  __/ | | (_| | |_| |
  \__\__,_|_.__/    |_|  \___| |_|\__,_|\__, |
                                        |___/
`

func usage() {
	fmt.Println("Usage: tab-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the relay server")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  health                       Check relay health")
	fmt.Println("  tabs                         Print every agent's tabs")
	fmt.Println("  connections [--history]      List live connections or session history")
	fmt.Println("  broadcast EVENT [PAYLOAD]    Send an event to agents over HTTP")
	fmt.Println("  publish EVENT [PAYLOAD]      Send an event through the Redis channel")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "tabs":
		err = runTabs(ctx)
	case "connections":
		err = runConnections(ctx, os.Args[2:])
	case "broadcast":
		err = runBroadcast(ctx, os.Args[2:])
	case "publish":
		err = runPublish(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("allTabs:   %s (timeout %s)\n", cfg.Relay.AllTabsMode, cfg.Relay.AllTabsTimeout)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("History:   %s\n", cfg.Database.Path)
	}
	for _, w := range cfg.Watchers {
		green.Print("    ▶ ")
		fmt.Printf("Watcher:   %s ", w.Name)
		gray.Printf("[%s] %s\n", w.Mode, strings.Join(w.Command, " "))
	}
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s ", cfg.Redis.Addr)
		yellow.Printf("#%s\n", cfg.Redis.Channel)
	}
	fmt.Println()

	logger.Info("starting tab-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"watchers", len(cfg.Watchers),
		"redis", cfg.Redis.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return gw.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{out: out, mu: &sync.Mutex{}, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path applied to record attrs
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	// Connection banners stand out.
	if strings.HasPrefix(r.Message, "===") {
		buf.WriteString(color.New(color.Bold).Sprint(r.Message))
	} else {
		buf.WriteString(r.Message)
	}

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix + a.Key + "."
		if a.Key == "" {
			p = prefix
		}
		for _, ga := range a.Value.Group() {
			writeAttr(buf, p, ga)
		}
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.Resolve().String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{out: h.out, mu: h.mu, level: h.level, attrs: newAttrs, prefix: h.prefix}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &colorHandler{out: h.out, mu: h.mu, level: h.level, attrs: h.attrs, prefix: h.prefix + name + "."}
}

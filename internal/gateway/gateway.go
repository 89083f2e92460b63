// ABOUTME: Gateway orchestrator that wires the registry, correlator, and HTTP surface together
// ABOUTME: Manages the listener, OS watchers, Redis source, session store, and their shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/config"
	"github.com/2389/tab-relay/internal/conversation"
	"github.com/2389/tab-relay/internal/correlate"
	"github.com/2389/tab-relay/internal/dedupe"
	"github.com/2389/tab-relay/internal/pubsub"
	"github.com/2389/tab-relay/internal/store"
	"github.com/2389/tab-relay/internal/watcher"
)

// Gateway owns every relay component for one process.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	correlator  *correlate.Correlator
	tap         *conversation.Tap
	store       store.Store
	watchers    []*watcher.Watcher
	source      *pubsub.Source
	seen        *dedupe.Cache
	allTabsMode correlate.Mode
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	unhook []func()
}

// initStore opens the session history store; an empty path disables it.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TAB_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a Gateway from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mode, err := correlate.ParseMode(cfg.Relay.AllTabsMode)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	gw := &Gateway{
		config:      cfg,
		registry:    registry,
		correlator:  correlate.New(registry, logger.With("component", "correlator")),
		tap:         conversation.NewTap(logger),
		store:       s,
		allTabsMode: mode,
		logger:      logger.With("component", "gateway"),
	}
	gw.unhook = append(gw.unhook, gw.tap.Attach(registry))
	if s != nil {
		gw.unhook = append(gw.unhook, registry.OnTargets(gw.recordTargets))
	}

	for _, wc := range cfg.Watchers {
		w, err := watcher.New(wc, registry, logger)
		if err != nil {
			_ = gw.release()
			return nil, err
		}
		gw.watchers = append(gw.watchers, w)
	}

	if cfg.Redis.Enabled {
		gw.seen = dedupe.New(cfg.Redis.DedupeTTL, dedupe.DefaultMaxSize)
		src, err := pubsub.NewSource(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Channel, registry, gw.seen, logger)
		if err != nil {
			_ = gw.release()
			return nil, fmt.Errorf("redis source: %w", err)
		}
		gw.source = src
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ends open event streams so Shutdown does not wait on them.
	gw.httpServer.RegisterOnShutdown(gw.tap.Close)

	return gw, nil
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *agent.Registry { return g.registry }

// Handler returns the HTTP handler: WebSocket upgrades on any path,
// everything else through the control API routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /allTabs", g.handleAllTabs)
	mux.HandleFunc("POST /broadcast", g.handleBroadcast)
	mux.HandleFunc("POST /request", g.handleRequest)
	mux.HandleFunc("GET /events", g.handleEvents)
	mux.HandleFunc("GET /api/connections", g.handleListConnections)
	mux.HandleFunc("GET /api/connections/history", g.handleConnectionHistory)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			g.handleWebSocket(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Run starts the listener, watchers, and Redis source, and blocks until ctx
// is cancelled or the HTTP server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if g.store != nil {
		n, err := g.store.CloseOpenSessions(ctx, time.Now().UTC(), "relay restarted")
		if err != nil {
			g.logger.Warn("closing stale sessions failed", "error", err)
		} else if n > 0 {
			g.logger.Info("closed stale sessions", "count", n)
		}
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.release()
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	for _, w := range g.watchers {
		grp.Go(func() error { return w.Run(gctx) })
	}

	if g.source != nil {
		grp.Go(func() error { return g.runSource(gctx) })
	}

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// runSource keeps the Redis subscription alive, retrying with exponential
// backoff while Redis is unreachable.
func (g *Gateway) runSource(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		if err := g.source.Run(ctx); err != nil {
			return err
		}
		if ctx.Err() == nil {
			return errors.New("subscription ended")
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		g.logger.Warn("redis source unavailable", "error", err, "retry_in", next.Round(time.Millisecond).String())
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tab-relay", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// release closes every agent connection and the components that do not
// need a context: registry, correlator, tap, dedupe cache, Redis client, store.
func (g *Gateway) release() error {
	for _, off := range g.unhook {
		off()
	}
	g.correlator.Close()
	g.registry.Close()
	g.tap.Close()
	if g.seen != nil {
		g.seen.Close()
	}

	var errs []error
	if g.source != nil {
		errs = appendCloseError(errs, "redis close", g.source.Close())
	}
	if g.store != nil {
		if _, err := g.store.CloseOpenSessions(context.Background(), time.Now().UTC(), "relay shutting down"); err != nil {
			errs = appendCloseError(errs, "closing sessions", err)
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errors.Join(errs...)
}

// Shutdown stops the HTTP server, closes every agent connection, and
// releases the store, Redis client, and tailnet node.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if err := g.release(); err != nil {
		errs = append(errs, err)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

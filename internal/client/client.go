// ABOUTME: Agent-side connection state machine: connects to the relay, reconnects with backoff, and pings.
// ABOUTME: Dispatches inbound frames to handlers bound by event name.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/frame"
)

// Defaults applied when Options leaves them zero.
const (
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultPingInterval = 20 * time.Second
)

var (
	// ErrNotConnected is returned when there is no live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrConnClosed is returned by transports that have already closed.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is a live client-side transport.
type Conn interface {
	Send(ctx context.Context, wire string) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Callbacks receive transport events. A Dialer calls OnMessage for each
// inbound text frame and OnClose exactly once when the transport ends.
type Callbacks struct {
	OnMessage func(wire string)
	OnClose   func(code int, reason string)
}

// Dialer opens transports to the relay.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, meta agent.Metadata, cb Callbacks) (Conn, error)
}

// Handler receives inbound frames for one event name.
type Handler func(f *frame.Frame)

// Options configures a Client.
type Options struct {
	Endpoint     string
	Metadata     agent.Metadata
	Dialer       Dialer
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger

	// AfterFunc schedules reconnects; time.AfterFunc when nil.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

// Client maintains one connection to the relay.
type Client struct {
	meta      agent.Metadata
	dialer    Dialer
	afterFunc func(time.Duration, func()) *time.Timer
	ping      time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	endpoint     string
	enabled      bool
	gen          uint64
	conn         Conn
	hasConnected bool
	attempt      int
	backoff      *backoff.ExponentialBackOff
	reconnect    *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool
	pingDone     chan struct{}

	handlers  map[string]map[uint64]Handler
	listeners map[uint64]func(StateChange)
	nextToken uint64
	queued    []StateChange
	emitMu    sync.Mutex
}

// New creates a Client in the Disabled state. An empty endpoint leaves the
// client disabled until Configure supplies one.
func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := ""
	if opts.Endpoint != "" {
		var err error
		endpoint, err = NormalizeEndpoint(opts.Endpoint)
		if err != nil {
			return nil, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return &Client{
		meta:      opts.Metadata,
		dialer:    opts.Dialer,
		afterFunc: opts.AfterFunc,
		ping:      opts.PingInterval,
		logger:    logger,
		state:     Disabled,
		endpoint:  endpoint,
		enabled:   endpoint != "",
		backoff:   b,
		handlers:  make(map[string]map[uint64]Handler),
		listeners: make(map[uint64]func(StateChange)),
	}, nil
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Start begins connecting when an endpoint is configured and starts the
// liveness pinger. Cancelling ctx has the same effect as Close.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.ping > 0 {
		c.pingDone = make(chan struct{})
		go c.pingLoop(c.ctx, c.pingDone)
	}
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	if c.enabled {
		c.connectLocked()
	}
	c.mu.Unlock()
	c.flush()
}

// Configure changes the endpoint or enables and disables the client.
// Any live transport and pending reconnect are discarded.
func (c *Client) Configure(endpoint string, enabled bool) error {
	if endpoint != "" {
		normalized, err := NormalizeEndpoint(endpoint)
		if err != nil {
			return err
		}
		endpoint = normalized
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.endpoint = endpoint
	c.enabled = enabled && endpoint != ""
	c.attempt = 0
	c.hasConnected = false
	c.backoff.Reset()

	if c.enabled && c.started {
		c.connectLocked()
	} else {
		old := c.resetLocked()
		c.setStateLocked(Disabled, 0, "disabled by configuration")
		c.closeAsync(old, "disabled")
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// Close disconnects and disables the client permanently.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.resetLocked()
	c.setStateLocked(Disabled, 0, "client closed")
	cancel, pingDone := c.cancel, c.pingDone
	c.mu.Unlock()

	c.closeAsync(old, "client closed")
	c.flush()
	if cancel != nil {
		cancel()
	}
	if pingDone != nil {
		<-pingDone
	}
}

// On binds a handler to an inbound event name.
func (c *Client) On(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextToken++
	token := c.nextToken
	if _, ok := c.handlers[event]; !ok {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if hs, ok := c.handlers[event]; ok {
				delete(hs, token)
				if len(hs) == 0 {
					delete(c.handlers, event)
				}
			}
		})
	}
}

// OnStateChange registers a connectivity listener.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextToken++
	token := c.nextToken
	c.listeners[token] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, token)
			c.mu.Unlock()
		})
	}
}

// Send encodes and sends one frame over the live transport.
func (c *Client) Send(ctx context.Context, event string, filter address.Filter, payload any) error {
	wire, err := frame.Encode(event, filter.String(), payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, wire)
}

// connectLocked tears down the previous transport and starts a dial for a
// new generation.
func (c *Client) connectLocked() {
	old := c.resetLocked()
	c.closeAsync(old, "reconnecting")

	gen := c.gen
	endpoint := c.endpoint
	ctx := c.ctx
	c.setStateLocked(Connecting, 0, "")

	go c.dial(ctx, gen, endpoint)
}

// resetLocked invalidates callbacks of the current generation, stops any
// pending reconnect, and detaches the live transport, which is returned for
// closing outside the lock.
func (c *Client) resetLocked() Conn {
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	old := c.conn
	c.conn = nil
	return old
}

func (c *Client) closeAsync(conn Conn, reason string) {
	if conn == nil {
		return
	}
	go func() {
		if err := conn.Close(reason); err != nil {
			c.logger.Debug("closing superseded transport", "error", err)
		}
	}()
}

func (c *Client) dial(ctx context.Context, gen uint64, endpoint string) {
	cb := Callbacks{
		OnMessage: func(wire string) { c.handleMessage(gen, wire) },
		OnClose:   func(code int, reason string) { c.handleClose(gen, code, reason) },
	}

	conn, err := c.dialer.Dial(ctx, endpoint, c.meta, cb)

	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		if conn != nil {
			c.closeAsync(conn, "superseded")
		}
		return
	}

	if err != nil {
		c.logger.Warn("connect failed", "endpoint", endpoint, "error", err)
		c.disconnectedLocked(0, err.Error())
	} else {
		c.conn = conn
		c.hasConnected = true
		c.attempt = 0
		c.backoff.Reset()
		c.logger.Info("connected to relay", "endpoint", endpoint)
		c.setStateLocked(Connected, 0, "")
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || (c.state != Connected && c.state != Connecting) {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.logger.Info("disconnected from relay", "code", code, "reason", reason)
	c.disconnectedLocked(code, reason)
	c.mu.Unlock()
	c.flush()
}

// disconnectedLocked enters Disconnected and schedules the single reconnect.
func (c *Client) disconnectedLocked(code int, reason string) {
	c.setStateLocked(Disconnected, code, reason)
	if c.closed || !c.enabled {
		return
	}

	c.attempt++
	delay := c.backoff.NextBackOff()
	if c.attempt == 1 && c.hasConnected {
		delay = 0
	}

	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	gen := c.gen
	c.reconnect = c.afterFunc(delay, func() { c.reconnectNow(gen) })

	c.logger.Debug("reconnect scheduled", "attempt", c.attempt, "delay", delay.String())
}

func (c *Client) reconnectNow(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Disconnected || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.connectLocked()
	c.mu.Unlock()
	c.flush()
}

func (c *Client) handleMessage(gen uint64, wire string) {
	f, err := frame.Decode(wire)
	if err != nil {
		c.logger.Warn("dropping inbound frame", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	hs := make([]Handler, 0, len(c.handlers[f.Event]))
	for _, h := range c.handlers[f.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(f)
	}
}

// setStateLocked records a transition; flush delivers it to listeners in
// the order transitions happened.
func (c *Client) setStateLocked(to State, code int, reason string) {
	if c.state == to {
		return
	}
	change := StateChange{From: c.state, To: to, Code: code, Reason: reason}
	c.state = to
	c.queued = append(c.queued, change)
	c.logger.Debug("state change", "from", change.From.String(), "to", to.String())
}

// flush delivers queued state changes outside c.mu. Only one goroutine
// delivers at a time; others leave their changes to it.
func (c *Client) flush() {
	for {
		if !c.emitMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			batch := c.queued
			c.queued = nil
			ls := make([]func(StateChange), 0, len(c.listeners))
			for _, l := range c.listeners {
				ls = append(ls, l)
			}
			c.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, change := range batch {
				for _, l := range ls {
					l(change)
				}
			}
		}
		c.emitMu.Unlock()

		c.mu.Lock()
		more := len(c.queued) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pingOnce(ctx); err != nil {
				if expectedPingError(err) {
					c.logger.Debug("ping skipped", "error", err)
				} else {
					c.logger.Warn("ping failed", "error", err)
				}
			}
		}
	}
}

func (c *Client) pingOnce(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.ping)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func expectedPingError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

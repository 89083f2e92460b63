// ABOUTME: Correlates broadcast requests with the replies agents send back under the same event name.
// ABOUTME: Supports first-responder, fixed collection window, and snapshot-until-complete strategies.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
)

// Defaults applied when a Request or CollectOptions leaves them zero.
const (
	DefaultTimeout = 5 * time.Second
	DefaultWindow  = 500 * time.Millisecond
)

var (
	// ErrRequestTimeout indicates the hard ceiling elapsed before the request resolved.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrInvalidWindow indicates a collection window that is not shorter than the timeout.
	ErrInvalidWindow = errors.New("collection window must be shorter than the timeout")
)

// Bus is the part of the connection registry the correlator depends on.
type Bus interface {
	Broadcast(ctx context.Context, msg agent.Message) (int, error)
	On(event string, h agent.Handler) func()
	OnRemove(h func(*agent.Connection)) func()
	Connections() []*agent.Connection
}

// Request describes one outbound request event.
type Request struct {
	Event   string
	Payload any
	Filter  address.Filter
	Timeout time.Duration
}

// Reply is one agent's answer to a request.
type Reply struct {
	ConnectionID string          `json:"connection_id"`
	Identity     string          `json:"identity"`
	Filter       string          `json:"filter,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Mode selects how Collect decides it has heard enough.
type Mode int

const (
	// ModeSnapshot resolves once every connection that was open, matched
	// the filter, and accepted the request frame has replied or disconnected.
	ModeSnapshot Mode = iota

	// ModeWindow resolves with whatever arrived within a fixed window.
	ModeWindow
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeWindow:
		return "window"
	case ModeSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode reads a mode name as used in configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "snapshot":
		return ModeSnapshot, nil
	case "window":
		return ModeWindow, nil
	default:
		return 0, fmt.Errorf("unknown collect mode %q (expected snapshot or window)", s)
	}
}

// Reducer turns the collected replies into a result.
type Reducer func(replies []Reply) (any, error)

// CollectOptions configures Collect.
type CollectOptions struct {
	Mode   Mode
	Window time.Duration
	Reduce Reducer
}

type strategy int

const (
	strategyFirst strategy = iota
	strategyWindow
	strategySnapshot
)

// pending is one outstanding request.
type pending struct {
	id       string
	event    string
	strategy strategy

	mu          sync.Mutex
	replies     []Reply
	members     map[string]struct{}
	outstanding map[string]struct{}
	done        chan struct{}
	resolved    bool
}

func (p *pending) resolveLocked() {
	if !p.resolved {
		p.resolved = true
		close(p.done)
	}
}

// offer records a reply. It reports whether the reply was accepted.
func (p *pending) offer(r Reply) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}
	if p.strategy == strategySnapshot {
		if _, ok := p.members[r.ConnectionID]; !ok {
			return false
		}
		delete(p.outstanding, r.ConnectionID)
	}

	p.replies = append(p.replies, r)

	switch p.strategy {
	case strategyFirst:
		p.resolveLocked()
	case strategySnapshot:
		if len(p.outstanding) == 0 {
			p.resolveLocked()
		}
	}
	return true
}

// drop stops waiting for a connection that went away.
func (p *pending) drop(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.strategy != strategySnapshot || p.resolved {
		return
	}
	if _, ok := p.outstanding[connID]; !ok {
		return
	}
	delete(p.outstanding, connID)
	if len(p.outstanding) == 0 {
		p.resolveLocked()
	}
}

func (p *pending) collected() []Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Reply, len(p.replies))
	copy(out, p.replies)
	return out
}

// eventBinding is the registry subscription shared by every pending request
// for one event name.
type eventBinding struct {
	requests map[string]*pending
	off      func()
}

// Correlator matches replies to outstanding requests.
type Correlator struct {
	bus       Bus
	mu        sync.Mutex
	pending   map[string]*pending
	byEvent   map[string]*eventBinding
	offRemove func()
	logger    *slog.Logger
}

// New creates a Correlator bound to the given bus.
func New(bus Bus, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		bus:     bus,
		pending: make(map[string]*pending),
		byEvent: make(map[string]*eventBinding),
		logger:  logger,
	}
	c.offRemove = bus.OnRemove(c.connectionRemoved)
	return c
}

// Close detaches the correlator from the bus. Requests still in flight
// resolve through their own timeouts.
func (c *Correlator) Close() {
	c.offRemove()
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// First broadcasts the request and returns the first reply.
func (c *Correlator) First(ctx context.Context, req Request) (Reply, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := c.register(req.Event, strategyFirst, nil)
	defer c.finish(p)

	if err := c.broadcast(ctx, req, nil); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.collected()[0], nil
	case <-timer.C:
		return Reply{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, req.Event, timeout)
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Collect broadcasts the request and gathers replies according to opts.
// The result is the reducer's output, or []Reply without a reducer.
func (c *Correlator) Collect(ctx context.Context, req Request, opts CollectOptions) (any, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		replies []Reply
		err     error
	)
	switch opts.Mode {
	case ModeWindow:
		window := opts.Window
		if window <= 0 {
			window = DefaultWindow
		}
		if window >= timeout {
			return nil, fmt.Errorf("%w: window %s, timeout %s", ErrInvalidWindow, window, timeout)
		}
		replies, err = c.collectWindow(ctx, req, window)
	case ModeSnapshot:
		replies, err = c.collectSnapshot(ctx, req, timeout)
	default:
		return nil, fmt.Errorf("unknown collect mode %s", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	if opts.Reduce == nil {
		return replies, nil
	}
	return opts.Reduce(replies)
}

func (c *Correlator) collectWindow(ctx context.Context, req Request, window time.Duration) ([]Reply, error) {
	p := c.register(req.Event, strategyWindow, nil)
	defer c.finish(p)

	if err := c.broadcast(ctx, req, nil); err != nil {
		return nil, err
	}

	// Collect only admits windows shorter than the timeout, so the window
	// timer always fires before the ceiling would.
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-timer.C:
		return p.collected(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Correlator) collectSnapshot(ctx context.Context, req Request, timeout time.Duration) ([]Reply, error) {
	members := make(map[string]struct{})
	for _, conn := range c.bus.Connections() {
		if conn.Open() && req.Filter.Matches(conn.Targets()) {
			members[conn.ID] = struct{}{}
		}
	}

	p := c.register(req.Event, strategySnapshot, members)
	defer c.finish(p)

	// Connections removed between the snapshot and registration never
	// trigger connectionRemoved for this request.
	c.pruneGone(p)

	// A member whose send failed never saw the request.
	if err := c.broadcast(ctx, req, func(conn *agent.Connection, _ error) { p.drop(conn.ID) }); err != nil {
		return nil, err
	}
	c.pruneGone(p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.collected(), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, req.Event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Correlator) pruneGone(p *pending) {
	live := make(map[string]struct{})
	for _, conn := range c.bus.Connections() {
		if conn.Open() {
			live[conn.ID] = struct{}{}
		}
	}

	p.mu.Lock()
	var gone []string
	for id := range p.outstanding {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
		}
	}
	p.mu.Unlock()

	for _, id := range gone {
		p.drop(id)
	}
}

func (c *Correlator) broadcast(ctx context.Context, req Request, failed func(*agent.Connection, error)) error {
	sent, err := c.bus.Broadcast(ctx, agent.Message{
		Event:      req.Event,
		Payload:    req.Payload,
		Filter:     req.Filter,
		SendFailed: failed,
	})
	if err != nil {
		return fmt.Errorf("broadcasting %s: %w", req.Event, err)
	}
	c.logger.Debug("request broadcast", "event", req.Event, "delivered", sent)
	return nil
}

// register adds a pending request to the arena and binds the event name
// on the bus when it is the first request for that name.
func (c *Correlator) register(event string, s strategy, members map[string]struct{}) *pending {
	p := &pending{
		id:       uuid.New().String(),
		event:    event,
		strategy: s,
		done:     make(chan struct{}),
	}
	if s == strategySnapshot {
		p.members = members
		p.outstanding = make(map[string]struct{}, len(members))
		for id := range members {
			p.outstanding[id] = struct{}{}
		}
		if len(members) == 0 {
			p.resolveLocked()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[p.id] = p
	b, ok := c.byEvent[event]
	if !ok {
		b = &eventBinding{requests: make(map[string]*pending)}
		bound := b
		b.off = c.bus.On(event, func(msg *agent.Inbound) { c.handleReply(event, bound, msg) })
		c.byEvent[event] = b
	}
	b.requests[p.id] = p

	c.logger.Debug("request registered", "request_id", p.id, "event", event, "pending", len(c.pending))
	return p
}

// finish is the single teardown path for a pending request.
func (c *Correlator) finish(p *pending) {
	p.mu.Lock()
	p.resolveLocked()
	p.mu.Unlock()

	var off func()
	c.mu.Lock()
	delete(c.pending, p.id)
	if b, ok := c.byEvent[p.event]; ok {
		delete(b.requests, p.id)
		if len(b.requests) == 0 {
			delete(c.byEvent, p.event)
			off = b.off
		}
	}
	c.mu.Unlock()

	if off != nil {
		off()
	}
}

func (c *Correlator) handleReply(event string, b *eventBinding, msg *agent.Inbound) {
	c.mu.Lock()
	var targets []*pending
	// A binding being torn down may still fire once; only the current one counts.
	if c.byEvent[event] == b {
		targets = make([]*pending, 0, len(b.requests))
		for _, p := range b.requests {
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()

	reply := Reply{
		ConnectionID: msg.Conn.ID,
		Identity:     msg.Conn.Identity,
		Filter:       msg.Frame.Filter,
		Payload:      msg.Frame.Payload,
		ReceivedAt:   msg.ReceivedAt,
	}

	accepted := 0
	for _, p := range targets {
		if p.offer(reply) {
			accepted++
		}
	}
	if accepted == 0 {
		c.logger.Debug("dropping late reply", "event", event, "identity", msg.Conn.Identity)
	}
}

func (c *Correlator) connectionRemoved(conn *agent.Connection) {
	c.mu.Lock()
	all := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()

	for _, p := range all {
		p.drop(conn.ID)
	}
}

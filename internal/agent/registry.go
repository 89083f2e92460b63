// ABOUTME: Tracks connected agents, dispatches their inbound frames, and broadcasts addressed events.
// ABOUTME: Central coordinator for the relay; the only owner of the live connection set.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/events"
	"github.com/2389/tab-relay/internal/frame"
)

// ErrEmptyEvent indicates a broadcast without an event name.
var ErrEmptyEvent = errors.New("event is required")

// Inbound is one decoded frame received from a connection.
type Inbound struct {
	Conn       *Connection
	Frame      *frame.Frame
	ReceivedAt time.Time
}

// Handler receives inbound frames. Handlers run on the sending connection's
// read goroutine and must not block.
type Handler func(msg *Inbound)

// Message is an outbound broadcast.
type Message struct {
	Event   string
	Payload any // json.RawMessage is sent verbatim; anything else is JSON-encoded
	Filter  address.Filter
	Delay   time.Duration

	// Except skips one connection regardless of the filter.
	Except *Connection

	// SendFailed, when set, is called for each open matching connection
	// that did not accept the frame.
	SendFailed func(c *Connection, err error)
}

// Registry coordinates all connected agents.
type Registry struct {
	conns     map[string]*Connection
	handlers  map[string]map[uint64]Handler
	observers map[uint64]Handler
	onRemove  map[uint64]func(*Connection)
	onTargets map[uint64]func(*Connection)
	delayed   map[uint64]*time.Timer
	nextToken uint64
	closed    bool
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		handlers:  make(map[string]map[uint64]Handler),
		observers: make(map[uint64]Handler),
		onRemove:  make(map[uint64]func(*Connection)),
		onTargets: make(map[uint64]func(*Connection)),
		delayed:   make(map[uint64]*time.Timer),
		logger:    logger,
	}
}

// Add registers a connection and returns its identity. Adding a connection
// that is already registered is a no-op. If the connection's handshake
// metadata could not be decoded the connection is still registered and the
// decode error (ErrBadHandshakeMetadata) is returned alongside its degraded identity.
func (r *Registry) Add(conn *Connection) (string, error) {
	r.mu.Lock()
	if existing, ok := r.conns[conn.ID]; ok && existing == conn {
		r.mu.Unlock()
		return conn.Identity, nil
	}
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if conn.metaErr != nil {
		r.logger.Warn("agent connected with degraded identity",
			"connection_id", conn.ID,
			"identity", conn.Identity,
			"remote_addr", conn.RemoteAddr,
			"error", conn.metaErr,
		)
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"connection_id", conn.ID,
		"identity", conn.Identity,
		"platform", conn.Metadata.Platform,
		"total_connections", total,
	)
	return conn.Identity, conn.metaErr
}

// Remove unregisters a connection and notifies removal listeners.
// Removing an unknown connection is a no-op.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	existing, ok := r.conns[conn.ID]
	if !ok || existing != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.ID)
	total := len(r.conns)
	hooks := make([]func(*Connection), 0, len(r.onRemove))
	for _, h := range r.onRemove {
		hooks = append(hooks, h)
	}
	r.mu.Unlock()

	for _, h := range hooks {
		h(conn)
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"connection_id", conn.ID,
		"identity", conn.Identity,
		"connected_for", time.Since(conn.ConnectedAt).Round(time.Second).String(),
		"total_connections", total,
	)
}

// Has reports whether the connection is currently registered.
func (r *Registry) Has(conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing, ok := r.conns[conn.ID]
	return ok && existing == conn
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns a snapshot of the registered connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// ListConnections returns information about all registered connections.
func (r *Registry) ListConnections() []*ConnectionInfo {
	conns := r.Connections()
	infos := make([]*ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// On binds a handler to an event name. The returned func removes exactly
// that binding and may be called more than once.
func (r *Registry) On(event string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	if _, ok := r.handlers[event]; !ok {
		r.handlers[event] = make(map[uint64]Handler)
	}
	r.handlers[event][token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if hs, ok := r.handlers[event]; ok {
				delete(hs, token)
				if len(hs) == 0 {
					delete(r.handlers, event)
				}
			}
		})
	}
}

// HandlerCount returns how many handlers are bound to an event name.
func (r *Registry) HandlerCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Observe registers a handler that sees every dispatched inbound event.
// Relay-only events are consumed by the registry and never observed.
func (r *Registry) Observe(h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	r.observers[token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, token)
			r.mu.Unlock()
		})
	}
}

// OnRemove registers a callback invoked after a connection is removed.
func (r *Registry) OnRemove(h func(*Connection)) func() {
	return r.hook(r.onRemove, h)
}

// OnTargets registers a callback invoked after a connection announces its targets.
func (r *Registry) OnTargets(h func(*Connection)) func() {
	return r.hook(r.onTargets, h)
}

func (r *Registry) hook(table map[uint64]func(*Connection), h func(*Connection)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	table[token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(table, token)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) hooks(table map[uint64]func(*Connection)) []func(*Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]func(*Connection), 0, len(table))
	for _, h := range table {
		hs = append(hs, h)
	}
	return hs
}

// Broadcast sends one frame to every open connection matching the filter
// and returns how many connections accepted it. Connections that are closed
// or whose send fails are skipped. A positive Delay schedules the broadcast
// and returns (0, nil) once the frame has been encoded.
func (r *Registry) Broadcast(ctx context.Context, msg Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if msg.Event == "" {
		return 0, ErrEmptyEvent
	}
	if len(msg.Filter.Include) > 0 && len(msg.Filter.Exclude) > 0 {
		return 0, address.ErrConflictingFilter
	}

	wire, err := encodeMessage(msg)
	if err != nil {
		return 0, err
	}

	if msg.Delay > 0 {
		if err := r.schedule(msg, wire); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return r.deliver(msg, wire), nil
}

func encodeMessage(msg Message) (string, error) {
	if raw, ok := msg.Payload.(json.RawMessage); ok {
		return frame.EncodeRaw(msg.Event, msg.Filter.String(), raw)
	}
	return frame.Encode(msg.Event, msg.Filter.String(), msg.Payload)
}

// schedule delivers an encoded frame after msg.Delay.
func (r *Registry) schedule(msg Message, wire string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registry closed")
	}

	r.nextToken++
	token := r.nextToken
	r.delayed[token] = time.AfterFunc(msg.Delay, func() {
		r.mu.Lock()
		_, live := r.delayed[token]
		delete(r.delayed, token)
		r.mu.Unlock()

		if live {
			r.deliver(msg, wire)
		}
	})

	r.logger.Debug("broadcast scheduled", "event", msg.Event, "delay", msg.Delay.String())
	return nil
}

// deliver sends the frame to matching connections outside the lock.
func (r *Registry) deliver(msg Message, wire string) int {
	sent := 0
	for _, c := range r.Connections() {
		if msg.Except != nil && c == msg.Except {
			continue
		}
		if !c.Open() {
			r.logger.Debug("skipping closed connection", "connection_id", c.ID, "event", msg.Event)
			continue
		}
		if !msg.Filter.Matches(c.Targets()) {
			continue
		}
		if err := c.Send(wire); err != nil {
			r.logger.Debug("send failed, skipping connection",
				"connection_id", c.ID,
				"identity", c.Identity,
				"event", msg.Event,
				"error", err,
			)
			if msg.SendFailed != nil {
				msg.SendFailed(c, err)
			}
			continue
		}
		sent++
	}

	r.logger.Debug("broadcast delivered",
		"event", msg.Event,
		"filter", msg.Filter.String(),
		"delivered", sent,
	)
	return sent
}

// Dispatch decodes one inbound wire frame from conn and routes it.
// Malformed frames are logged and dropped; the connection stays open.
func (r *Registry) Dispatch(conn *Connection, wire string) {
	f, err := frame.Decode(wire)
	if err != nil {
		conn.logger.Warn("dropping inbound frame", "error", err)
		return
	}

	switch {
	case events.IsOtherTabs(f.Event):
		r.relayToOthers(conn, f)
	case events.IsRelayOnly(f.Event) && f.Event != events.Targets.String():
		conn.logger.Warn("dropping relay event without suffix", "event", f.Event)
	case f.Event == events.Targets.String():
		r.updateTargets(conn, f)
	default:
		r.dispatch(&Inbound{Conn: conn, Frame: f, ReceivedAt: time.Now()})
	}
}

// relayToOthers rebroadcasts an agent-to-agent event to every other
// connection, excluding the originating target named in the frame filter.
func (r *Registry) relayToOthers(conn *Connection, f *frame.Frame) {
	origin := address.Parse(f.Filter)
	filter := address.Exclude(append(origin.Include, origin.Exclude...)...)

	sent, err := r.Broadcast(context.Background(), Message{
		Event:   f.Event,
		Payload: f.Payload,
		Filter:  filter,
		Except:  conn,
	})
	if err != nil {
		conn.logger.Warn("relaying event to other agents failed", "event", f.Event, "error", err)
		return
	}
	conn.logger.Debug("relayed event to other agents", "event", f.Event, "delivered", sent)
}

func (r *Registry) updateTargets(conn *Connection, f *frame.Frame) {
	var p events.TargetsPayload
	if err := f.Unmarshal(&p); err != nil {
		conn.logger.Warn("dropping targets announcement", "error", err)
		return
	}
	conn.SetTargets(p.Targets)
	conn.logger.Debug("targets announced", "targets", conn.Targets())

	for _, h := range r.hooks(r.onTargets) {
		h(conn)
	}
}

func (r *Registry) dispatch(msg *Inbound) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[msg.Frame.Event])+len(r.observers))
	for _, h := range r.handlers[msg.Frame.Event] {
		hs = append(hs, h)
	}
	bound := len(hs)
	for _, h := range r.observers {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	if bound == 0 {
		msg.Conn.logger.Debug("no handler bound for event", "event", msg.Frame.Event)
	}
	for _, h := range hs {
		h(msg)
	}
}

// Close cancels delayed broadcasts and closes every connection's transport.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for token, t := range r.delayed {
		t.Stop()
		delete(r.delayed, token)
	}
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close("relay shutting down"); err != nil {
			r.logger.Debug("closing connection", "connection_id", c.ID, "error", err)
		}
	}
}

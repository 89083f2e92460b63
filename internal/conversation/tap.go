// ABOUTME: In-memory fan-out of agent-originated events to HTTP stream subscribers.
// ABOUTME: Each subscriber selects event names; relay-only events never enter the tap.

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/events"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is one agent-originated frame as seen by stream subscribers.
type Event struct {
	Event        string          `json:"event"`
	Filter       string          `json:"filter,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ConnectionID string          `json:"connection_id"`
	Identity     string          `json:"identity"`
	ReceivedAt   time.Time       `json:"received_at"`
}

type subscriber struct {
	ch     chan Event
	events []string // empty means every event
}

func (s *subscriber) wants(name string) bool {
	return len(s.events) == 0 || slices.Contains(s.events, name)
}

// Tap fans inbound agent events out to subscribers.
type Tap struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	logger      *slog.Logger
}

// NewTap creates a tap. Pass nil logger for default.
func NewTap(logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "event_tap"),
	}
}

// Attach observes every event dispatched by the registry until the
// returned func is called.
func (t *Tap) Attach(reg *agent.Registry) func() {
	return reg.Observe(func(msg *agent.Inbound) {
		t.Publish(Event{
			Event:        msg.Frame.Event,
			Filter:       msg.Frame.Filter,
			Payload:      msg.Frame.Payload,
			ConnectionID: msg.Conn.ID,
			Identity:     msg.Conn.Identity,
			ReceivedAt:   msg.ReceivedAt,
		})
	})
}

// Subscribe registers a subscriber for the given event names (all events
// when none are given). The subscription ends when ctx is cancelled.
func (t *Tap) Subscribe(ctx context.Context, names ...string) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	for _, n := range names {
		if n != "" && !events.IsRelayOnly(n) && !slices.Contains(sub.events, n) {
			sub.events = append(sub.events, n)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	t.subscribers[subID] = sub
	t.mu.Unlock()

	t.logger.Debug("subscriber added", "sub_id", subID, "events", sub.events)

	go func() {
		<-ctx.Done()
		t.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers an event to interested subscribers without blocking;
// subscribers whose buffers are full miss it.
func (t *Tap) Publish(ev Event) {
	if events.IsRelayOnly(ev.Event) {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, sub := range t.subscribers {
		if !sub.wants(ev.Event) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			t.logger.Debug("dropped event for slow subscriber", "sub_id", id, "event", ev.Event)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (t *Tap) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Unsubscribe removes a subscription and closes its channel.
func (t *Tap) Unsubscribe(subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subscribers[subID]
	if !ok {
		return
	}
	delete(t.subscribers, subID)
	close(sub.ch)

	t.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, sub := range t.subscribers {
		close(sub.ch)
		delete(t.subscribers, id)
	}
	t.logger.Debug("event tap closed")
}

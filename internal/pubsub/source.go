// ABOUTME: Redis Pub/Sub source that turns published JSON messages into relay broadcasts.
// ABOUTME: Drops duplicate message ids and refuses relay-only events.

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/dedupe"
	"github.com/2389/tab-relay/internal/events"
)

var (
	// ErrInvalidMessage indicates a message that cannot be broadcast.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDuplicate indicates a message id seen within the dedupe TTL.
	ErrDuplicate = errors.New("duplicate message")
)

// Publisher is where messages go; *agent.Registry satisfies it.
type Publisher interface {
	Broadcast(ctx context.Context, msg agent.Message) (int, error)
}

// Message is the JSON body published on the channel.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Include address.Targets `json:"include,omitempty"`
	Exclude address.Targets `json:"exclude,omitempty"`
	DelayMS int64           `json:"delay,omitempty"`
}

// Source subscribes to one Redis channel.
type Source struct {
	rdb     *redis.Client
	channel string
	pub     Publisher
	seen    *dedupe.Cache
	logger  *slog.Logger

	subscribed chan struct{}
	once       sync.Once
}

// NewSource creates a Source. A nil cache disables duplicate detection.
func NewSource(opts *redis.Options, channel string, pub Publisher, seen *dedupe.Cache, logger *slog.Logger) (*Source, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		rdb:        redis.NewClient(opts),
		channel:    channel,
		pub:        pub,
		seen:       seen,
		logger:     logger.With("component", "redis_source", "channel", channel),
		subscribed: make(chan struct{}),
	}, nil
}

// Ping verifies Redis connectivity.
func (s *Source) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Subscribed is closed once the channel subscription is confirmed.
func (s *Source) Subscribed() <-chan struct{} {
	return s.subscribed
}

// Publish sends a message to the channel; used by producers and the CLI.
func (s *Source) Publish(ctx context.Context, msg Message) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}
	return s.rdb.Publish(ctx, s.channel, data).Result()
}

// Run subscribes and broadcasts every valid message until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribing to %s: %w", s.channel, err)
	}
	s.once.Do(func() { close(s.subscribed) })
	s.logger.Info("subscribed to redis channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := s.Handle(ctx, m.Payload); err != nil {
				if errors.Is(err, ErrDuplicate) {
					s.logger.Debug("dropping duplicate message", "error", err)
					continue
				}
				s.logger.Warn("dropping message", "error", err)
			}
		}
	}
}

// Handle decodes and broadcasts one message body. It returns the number of
// connections the broadcast reached.
func (s *Source) Handle(ctx context.Context, body string) (int, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Event == "" {
		return 0, fmt.Errorf("%w: event is required", ErrInvalidMessage)
	}
	if events.IsRelayOnly(msg.Event) {
		return 0, fmt.Errorf("%w: %q is reserved for agents", ErrInvalidMessage, msg.Event)
	}
	if msg.DelayMS < 0 {
		return 0, fmt.Errorf("%w: delay must not be negative", ErrInvalidMessage)
	}

	filter, err := address.New(msg.Include, msg.Exclude)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if msg.ID != "" && s.seen != nil && s.seen.CheckAndMark(msg.ID) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}

	var payload any = msg.Payload
	if len(msg.Payload) == 0 {
		payload = json.RawMessage("null")
	}

	sent, err := s.pub.Broadcast(ctx, agent.Message{
		Event:   msg.Event,
		Payload: payload,
		Filter:  filter,
		Delay:   time.Duration(msg.DelayMS) * time.Millisecond,
	})
	if err != nil {
		return 0, fmt.Errorf("broadcasting %s: %w", msg.Event, err)
	}
	s.logger.Debug("message broadcast", "event", msg.Event, "id", msg.ID, "delivered", sent)
	return sent, nil
}

// Close closes the Redis client.
func (s *Source) Close() error {
	return s.rdb.Close()
}

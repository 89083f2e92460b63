// ABOUTME: Session history types and the Store interface for tab-relay persistence.
// ABOUTME: Records when agents connect and disconnect; event payloads are never stored.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session is one agent connection from accept to close.
type Session struct {
	ConnectionID   string
	Identity       string
	Name           string
	InstanceID     string
	Platform       string
	Version        string
	RemoteAddr     string
	Degraded       bool
	Targets        []string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time // nil while connected
	CloseReason    string
}

// Duration returns how long the session lasted, or has lasted so far.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.DisconnectedAt != nil {
		return s.DisconnectedAt.Sub(s.ConnectedAt)
	}
	return now.Sub(s.ConnectedAt)
}

// Store is the session history persistence interface.
type Store interface {
	RecordConnect(ctx context.Context, s *Session) error
	RecordTargets(ctx context.Context, connectionID string, targets []string) error
	RecordDisconnect(ctx context.Context, connectionID string, at time.Time, reason string) error
	GetSession(ctx context.Context, connectionID string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int64, error)
	Close() error
}

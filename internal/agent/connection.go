// ABOUTME: Represents a single connected agent and the targets it has announced.
// ABOUTME: Wraps the transport so the registry can send frames without knowing the wire library.

package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBadHandshakeMetadata indicates agent metadata that could not be decoded.
// The connection is still admitted with a degraded identity.
var ErrBadHandshakeMetadata = errors.New("bad handshake metadata")

// ErrTransportClosed is returned by transports that can no longer send.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the duplex session underneath a Connection.
// Send must not block; implementations queue or fail fast.
type Transport interface {
	Send(wire string) error
	Open() bool
	Close(reason string) error
}

// Metadata is what an agent reports about itself during the handshake.
type Metadata struct {
	Name       string `json:"name"`
	InstanceID string `json:"instanceId"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
}

// ParseMetadata decodes base64(JSON) handshake metadata. Standard and
// URL-safe alphabets are accepted, padded or not.
func ParseMetadata(encoded string) (Metadata, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Metadata{}, fmt.Errorf("%w: missing", ErrBadHandshakeMetadata)
	}

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		raw, err = enc.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: base64: %v", ErrBadHandshakeMetadata, err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: json: %v", ErrBadHandshakeMetadata, err)
	}
	if meta.Name == "" && meta.InstanceID == "" {
		return Metadata{}, fmt.Errorf("%w: name and instanceId are empty", ErrBadHandshakeMetadata)
	}
	return meta, nil
}

// EncodeMetadata is the inverse of ParseMetadata, used by agents.
func EncodeMetadata(meta Metadata) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Connection represents a connected agent.
type Connection struct {
	ID          string
	Identity    string
	Metadata    Metadata
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	metaErr   error
	targets   []string
	mu        sync.RWMutex
	logger    *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	Transport   Transport
	RawMetadata string
	RemoteAddr  string
	Logger      *slog.Logger
}

// NewConnection creates a Connection and derives its identity from the raw
// handshake metadata. Undecodable metadata yields a degraded identity; the
// decode error is reported by Registry.Add.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
		transport:   p.Transport,
	}

	meta, err := ParseMetadata(p.RawMetadata)
	if err != nil {
		c.metaErr = err
		c.Identity = "unknown_" + c.ID[:8]
	} else {
		c.Metadata = meta
		c.Identity = meta.Name + "_" + meta.InstanceID
	}
	c.logger = logger.With("connection_id", c.ID, "identity", c.Identity)
	return c
}

// Send hands a wire frame to the transport.
func (c *Connection) Send(wire string) error {
	if c.transport == nil {
		return ErrTransportClosed
	}
	return c.transport.Send(wire)
}

// Open reports whether the transport can currently accept frames.
func (c *Connection) Open() bool {
	return c.transport != nil && c.transport.Open()
}

// Close closes the underlying transport.
func (c *Connection) Close(reason string) error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close(reason)
}

// Targets returns a copy of the targets this connection has announced.
func (c *Connection) Targets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.targets)
}

// SetTargets replaces the announced target set. Blank and repeated entries are dropped.
func (c *Connection) SetTargets(targets []string) {
	clean := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(clean, t) {
			continue
		}
		clean = append(clean, t)
	}

	c.mu.Lock()
	c.targets = clean
	c.mu.Unlock()
}

// Info returns a point-in-time description of the connection.
func (c *Connection) Info() *ConnectionInfo {
	return &ConnectionInfo{
		ID:          c.ID,
		Identity:    c.Identity,
		Name:        c.Metadata.Name,
		InstanceID:  c.Metadata.InstanceID,
		Platform:    c.Metadata.Platform,
		Version:     c.Metadata.Version,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.ConnectedAt,
		Targets:     c.Targets(),
		Degraded:    c.metaErr != nil,
	}
}

// ConnectionInfo contains public information about a connected agent.
type ConnectionInfo struct {
	ID          string
	Identity    string
	Name        string
	InstanceID  string
	Platform    string
	Version     string
	RemoteAddr  string
	ConnectedAt time.Time
	Targets     []string
	Degraded    bool
}

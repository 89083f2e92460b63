// ABOUTME: WebSocket accept path: upgrades agent connections and pumps frames to and from the registry.
// ABOUTME: Each connection gets a bounded send queue drained by its own write goroutine.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/client"
	"github.com/2389/tab-relay/internal/store"
)

const (
	// readLimit bounds inbound frames from agents.
	readLimit = 4 << 20

	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second

	// defaultSendQueue is used when the configured queue is not positive.
	defaultSendQueue = 64
)

// ErrSendQueueFull is returned when a connection cannot keep up.
var ErrSendQueueFull = errors.New("send queue full")

// wsTransport implements agent.Transport over a coder/websocket connection.
type wsTransport struct {
	ws    *websocket.Conn
	queue chan string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	reason string
}

func newWSTransport(ws *websocket.Conn, queue int) *wsTransport {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &wsTransport{
		ws:     ws,
		queue:  make(chan string, queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send enqueues a frame without blocking.
func (t *wsTransport) Send(wire string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return agent.ErrTransportClosed
	}
	select {
	case t.queue <- wire:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *wsTransport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close marks the transport closed and closes the socket with a normal
// closure status. Later calls are no-ops.
func (t *wsTransport) Close(reason string) error {
	if !t.markClosed(reason) {
		return nil
	}
	t.cancel()
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}

// markClosed records the first close reason and reports whether this call closed the transport.
func (t *wsTransport) markClosed(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.reason = reason
	return true
}

func (t *wsTransport) closeReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *wsTransport) writePump() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case wire := <-t.queue:
			ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
			err := t.ws.Write(ctx, websocket.MessageText, []byte(wire))
			cancel()
			if err != nil {
				t.markClosed("write failed: " + err.Error())
				t.cancel()
				return
			}
		}
	}
}

// readLoop feeds inbound text frames to dispatch until the socket closes and
// returns the close reason.
func (t *wsTransport) readLoop(dispatch func(string)) string {
	defer t.cancel()
	for {
		typ, data, err := t.ws.Read(t.ctx)
		if err != nil {
			reason := err.Error()
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason = fmt.Sprintf("closed by agent (%d)", ce.Code)
				if ce.Reason != "" {
					reason += ": " + ce.Reason
				}
			}
			t.markClosed(reason)
			return t.closeReason()
		}
		if typ != websocket.MessageText {
			continue
		}
		dispatch(string(data))
	}
}

// isWebSocketUpgrade reports whether r asks to upgrade to WebSocket.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleWebSocket accepts an agent connection on any path.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	tr := newWSTransport(ws, g.config.Relay.SendQueue)
	conn := agent.NewConnection(agent.ConnectionParams{
		Transport:   tr,
		RawMetadata: r.URL.Query().Get(client.MetadataParam),
		RemoteAddr:  r.RemoteAddr,
		Logger:      g.logger,
	})

	_, _ = g.registry.Add(conn)
	g.recordConnect(conn)

	go tr.writePump()
	reason := tr.readLoop(func(wire string) { g.registry.Dispatch(conn, wire) })

	g.registry.Remove(conn)
	g.recordDisconnect(conn, reason)
	_ = ws.CloseNow()
}

func (g *Gateway) recordConnect(conn *agent.Connection) {
	if g.store == nil {
		return
	}
	info := conn.Info()
	err := g.store.RecordConnect(context.Background(), &store.Session{
		ConnectionID: info.ID,
		Identity:     info.Identity,
		Name:         info.Name,
		InstanceID:   info.InstanceID,
		Platform:     info.Platform,
		Version:      info.Version,
		RemoteAddr:   info.RemoteAddr,
		Degraded:     info.Degraded,
		Targets:      info.Targets,
		ConnectedAt:  info.ConnectedAt,
	})
	if err != nil {
		g.logger.Warn("recording session start failed", "connection_id", conn.ID, "error", err)
	}
}

func (g *Gateway) recordTargets(conn *agent.Connection) {
	if g.store == nil {
		return
	}
	if err := g.store.RecordTargets(context.Background(), conn.ID, conn.Targets()); err != nil {
		g.logger.Warn("recording session targets failed", "connection_id", conn.ID, "error", err)
	}
}

func (g *Gateway) recordDisconnect(conn *agent.Connection, reason string) {
	if g.store == nil {
		return
	}
	if err := g.store.RecordDisconnect(context.Background(), conn.ID, time.Now().UTC(), reason); err != nil {
		g.logger.Warn("recording session end failed", "connection_id", conn.ID, "error", err)
	}
}

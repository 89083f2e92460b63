// ABOUTME: WebSocket implementation of Dialer backed by github.com/coder/websocket.
// ABOUTME: Sends handshake metadata as the agentInfo query parameter and runs one read loop per connection.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/tab-relay/internal/agent"
)

// MetadataParam is the query parameter carrying base64(JSON) agent metadata.
const MetadataParam = "agentInfo"

// readLimit bounds inbound frames.
const readLimit = 4 << 20

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	Logger *slog.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, meta agent.Metadata, cb Callbacks) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	encoded, err := agent.EncodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	q := u.Query()
	q.Set(MetadataParam, encoded)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	ws.SetReadLimit(readLimit)

	c := &wsConn{ws: ws, cb: cb, logger: logger}
	go c.readLoop(ctx)
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	cb     Callbacks
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *wsConn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			reason := err.Error()
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			c.markClosed(code, reason)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(string(data))
		}
	}
}

func (c *wsConn) markClosed(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.cb.OnClose != nil {
			c.cb.OnClose(code, reason)
		}
	})
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) Send(ctx context.Context, wire string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(wire)); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
		return err
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	if err := c.ws.Ping(ctx); err != nil {
		if websocket.CloseStatus(err) != -1 || c.isClosed() {
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
		return err
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if c.isClosed() {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ABOUTME: HTTP control API: broadcast, request/reply, allTabs collection, event stream, connection listing.
// ABOUTME: Errors are JSON {"error": "..."}; correlation timeouts map to 504.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/conversation"
	"github.com/2389/tab-relay/internal/correlate"
	"github.com/2389/tab-relay/internal/events"
	"github.com/2389/tab-relay/internal/frame"
	"github.com/2389/tab-relay/internal/store"
)

const (
	// maxBodyBytes bounds control API request bodies.
	maxBodyBytes = 1 << 20

	// sseKeepAlive is how often an idle event stream gets a comment line.
	sseKeepAlive = 15 * time.Second

	defaultHistoryLimit = 100
)

// BroadcastRequest is the JSON request body for POST /broadcast.
type BroadcastRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Include address.Targets `json:"include,omitempty"`
	Exclude address.Targets `json:"exclude,omitempty"`
	Delay   int64           `json:"delay,omitempty"` // milliseconds
}

// BroadcastResponse is the JSON response for POST /broadcast.
type BroadcastResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
	Scheduled bool `json:"scheduled"`
}

// RequestBody is the JSON request body for POST /request.
type RequestBody struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Include address.Targets `json:"include,omitempty"`
	Exclude address.Targets `json:"exclude,omitempty"`
	Timeout int64           `json:"timeout,omitempty"` // milliseconds
}

// ConnectionResponse describes one live connection for GET /api/connections.
type ConnectionResponse struct {
	ID          string   `json:"id"`
	Identity    string   `json:"identity"`
	Name        string   `json:"name,omitempty"`
	InstanceID  string   `json:"instance_id,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	RemoteAddr  string   `json:"remote_addr"`
	Targets     []string `json:"targets"`
	Degraded    bool     `json:"degraded"`
	ConnectedAt string   `json:"connected_at"`
}

// ListConnectionsResponse is the JSON response for GET /api/connections.
type ListConnectionsResponse struct {
	Count       int                  `json:"count"`
	Connections []ConnectionResponse `json:"connections"`
}

// SessionResponse is one entry of GET /api/connections/history.
type SessionResponse struct {
	ConnectionID   string   `json:"connection_id"`
	Identity       string   `json:"identity"`
	Platform       string   `json:"platform,omitempty"`
	Version        string   `json:"version,omitempty"`
	RemoteAddr     string   `json:"remote_addr"`
	Targets        []string `json:"targets"`
	Degraded       bool     `json:"degraded"`
	ConnectedAt    string   `json:"connected_at"`
	DisconnectedAt string   `json:"disconnected_at,omitempty"`
	CloseReason    string   `json:"close_reason,omitempty"`
	Duration       string   `json:"duration"`
}

// HistoryResponse is the JSON response for GET /api/connections/history.
type HistoryResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// handleAllTabs asks every agent for its tabs and returns the merged listing.
// Optional include/exclude query parameters narrow the agents asked.
func (g *Gateway) handleAllTabs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := address.New(splitList(q.Get("include")), splitList(q.Get("exclude")))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.correlator.Collect(r.Context(), correlate.Request{
		Event:   events.AllTabs.String(),
		Payload: struct{}{},
		Filter:  filter,
		Timeout: g.config.Relay.AllTabsTimeout,
	}, correlate.CollectOptions{
		Mode:   g.allTabsMode,
		Window: g.config.Relay.AllTabsWindow,
		Reduce: correlate.MergeTabs(g.logger),
	})
	if err != nil {
		g.sendCorrelationError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, result)
}

// handleBroadcast sends one event to every matching agent.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateEvent(req.Event); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Delay < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "delay must not be negative")
		return
	}
	filter, err := address.New(req.Include, req.Exclude)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	delay := time.Duration(req.Delay) * time.Millisecond
	sent, err := g.registry.Broadcast(r.Context(), agent.Message{
		Event:   req.Event,
		Payload: payloadOrNull(req.Payload),
		Filter:  filter,
		Delay:   delay,
	})
	if errors.Is(err, frame.ErrMalformedFrame) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("broadcast failed", "event", req.Event, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "broadcast failed")
		return
	}

	g.sendJSON(w, http.StatusOK, BroadcastResponse{
		OK:        true,
		Delivered: sent,
		Scheduled: delay > 0,
	})
}

// handleRequest broadcasts a request event and returns the first reply.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req RequestBody
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateEvent(req.Event); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Timeout < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}
	filter, err := address.New(req.Include, req.Exclude)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := g.config.Relay.RequestTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	reply, err := g.correlator.First(r.Context(), correlate.Request{
		Event:   req.Event,
		Payload: payloadOrNull(req.Payload),
		Filter:  filter,
		Timeout: timeout,
	})
	if err != nil {
		g.sendCorrelationError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, reply)
}

// handleEvents streams agent-originated events as Server-Sent Events.
// ?event=a,b limits the stream to the named events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, subID := g.tap.Subscribe(r.Context(), splitList(r.URL.Query().Get("event"))...)
	defer g.tap.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"subscription_id": subID})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, ch)
}

func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ch <-chan conversation.Event) {
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			name := ev.Event
			if strings.ContainsAny(name, "\r\n") {
				name = "message"
			}
			g.writeSSEEvent(w, name, ev)
			flusher.Flush()
		}
	}
}

// handleListConnections returns the live connections.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	infos := g.registry.ListConnections()
	resp := ListConnectionsResponse{
		Count:       len(infos),
		Connections: make([]ConnectionResponse, 0, len(infos)),
	}
	for _, info := range infos {
		targets := info.Targets
		if targets == nil {
			targets = []string{}
		}
		resp.Connections = append(resp.Connections, ConnectionResponse{
			ID:          info.ID,
			Identity:    info.Identity,
			Name:        info.Name,
			InstanceID:  info.InstanceID,
			Platform:    info.Platform,
			Version:     info.Version,
			RemoteAddr:  info.RemoteAddr,
			Targets:     targets,
			Degraded:    info.Degraded,
			ConnectedAt: info.ConnectedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleConnectionHistory returns recorded sessions, newest first.
func (g *Gateway) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "session history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := time.Now()
	resp := HistoryResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionToResponse(s, now))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func sessionToResponse(s *store.Session, now time.Time) SessionResponse {
	out := SessionResponse{
		ConnectionID: s.ConnectionID,
		Identity:     s.Identity,
		Platform:     s.Platform,
		Version:      s.Version,
		RemoteAddr:   s.RemoteAddr,
		Targets:      s.Targets,
		Degraded:     s.Degraded,
		ConnectedAt:  s.ConnectedAt.Format(time.RFC3339),
		CloseReason:  s.CloseReason,
		Duration:     s.Duration(now).Round(time.Second).String(),
	}
	if out.Targets == nil {
		out.Targets = []string{}
	}
	if s.DisconnectedAt != nil {
		out.DisconnectedAt = s.DisconnectedAt.Format(time.RFC3339)
	}
	return out
}

// sendCorrelationError maps correlator errors to HTTP responses.
func (g *Gateway) sendCorrelationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, correlate.ErrRequestTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	case r.Context().Err() != nil:
		// Caller went away; nobody reads the response.
	case errors.Is(err, address.ErrConflictingFilter), errors.Is(err, address.ErrInvalidTarget):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validateEvent rejects names callers may not send.
func validateEvent(name string) error {
	if name == "" {
		return errors.New("event is required")
	}
	if events.IsRelayOnly(name) {
		return fmt.Errorf("event %q is reserved for agents", name)
	}
	if strings.Contains(name, frame.Delimiter) {
		return fmt.Errorf("event %q must not contain %q", name, frame.Delimiter)
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func payloadOrNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}

// splitList splits a comma separated query value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

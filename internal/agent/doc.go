// Package agent tracks the WebSocket agents connected to the relay.
//
// # Registry
//
// The Registry owns the live connection set:
//
//	reg := agent.NewRegistry(logger)
//	identity, err := reg.Add(conn)
//	defer reg.Remove(conn)
//
// Key operations:
//
//   - Add(conn): admit a connection, idempotent
//   - Remove(conn): drop a connection and run OnRemove hooks, idempotent
//   - Broadcast(ctx, msg): send one frame to every open connection the filter matches
//   - On(event, handler): bind a handler to inbound frames, returns an unsubscribe func
//   - Dispatch(conn, wire): route one inbound frame
//
// # Relay-only events
//
// Two event families are consumed by the registry and never reach handlers.
// An "other_tabs:" event is rebroadcast to every other connection, excluding
// the target named in its filter. A "relay:targets" event replaces the
// sending connection's announced target set, which is what include and
// exclude filters are matched against.
//
// # Connection
//
// Connection wraps a Transport and the identity derived from the
// base64(JSON) handshake metadata. Undecodable metadata does not reject the
// connection; it is admitted as "unknown_<id>" and marked degraded.
package agent

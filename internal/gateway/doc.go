// Package gateway orchestrates the tab-relay server components.
//
// # Overview
//
// The gateway package owns every relay component for one process: the
// connection registry, the request correlator, the event tap, the optional
// session store, OS watchers, and the Redis source. It serves agents and
// control callers from a single HTTP listener.
//
// # WebSocket
//
// Any request carrying an "Upgrade: websocket" header is accepted as an
// agent connection regardless of its path. The agentInfo query parameter
// carries base64(JSON) metadata:
//
//	ws://localhost:8080/?agentInfo=eyJuYW1lIjoiY2hyb21lIiwiaW5zdGFuY2VJZCI6ImExIn0
//
// Each connection gets a bounded send queue drained by its own writer, so a
// slow agent never stalls a broadcast; a full queue counts as a failed send
// for that agent only.
//
// # HTTP API
//
//	GET  /allTabs                    merged tab listing from every agent
//	POST /broadcast                  {event, payload, include?, exclude?, delay?}
//	POST /request                    {event, payload, include?, exclude?, timeout?}
//	GET  /events?event=a,b           Server-Sent Events of agent-originated events
//	GET  /api/connections            live connections
//	GET  /api/connections/history    recorded sessions (?limit=n)
//	GET  /health                     liveness
//	GET  /health/ready               503 until an agent is connected
//
// Errors are JSON objects of the form {"error": "..."}. Correlation
// timeouts return 504.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Run serves HTTP (on a tailnet listener when tailscale is enabled), runs
// every configured watcher, and keeps the Redis subscription alive with
// exponential backoff. Cancelling ctx shuts everything down with a five
// second grace period.
package gateway

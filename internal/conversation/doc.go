// Package conversation exposes the events agents send to the relay as a
// stream HTTP consumers can follow.
//
// The Tap observes the connection registry and copies every dispatched
// frame to subscribers that asked for its event name. Relay-only events
// (other_tabs:* and relay:targets) are consumed by the registry and never
// appear here. Delivery is best effort: a subscriber that falls more than
// 64 events behind misses events rather than slowing agents down.
package conversation

// Package frame encodes and decodes the relay's text wire envelope.
//
// Every message in either direction is a single WebSocket text frame:
//
//	<event>::<filter>::<jsonPayload>
//
// The filter segment is only meaningful on relay to agent frames (see package
// address). Agent to relay frames may leave it empty, or use it to name the
// originating target for other_tabs relays.
package frame

// ABOUTME: Connection states of the agent-side client and the change notifications it emits.
// ABOUTME: Kept separate so callers can switch on states without importing the dialer.

package client

import "fmt"

// State is the lifecycle state of a Client.
type State int

const (
	Disabled State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange describes one transition. Code and Reason carry the close
// code and reason when the transition was caused by a transport closing.
type StateChange struct {
	From   State
	To     State
	Code   int
	Reason string
}

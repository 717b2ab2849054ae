package bridge

import "fmt"

// State is the bridge lifecycle phase, observable via Runtime.State.
type State int32

const (
	// StateConnecting covers startup until the broker accepts the connection.
	StateConnecting State = iota
	// StateSubscribing covers topic subscription after a (re)connect.
	StateSubscribing
	// StateRunning means subscriptions are active and the inhibitor lock
	// has been processed.
	StateRunning
	// StateTerminating means graceful shutdown has begun; further broker
	// events are ignored.
	StateTerminating
	// StateStopped is the terminal state.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

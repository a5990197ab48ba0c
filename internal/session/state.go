package session

import "fmt"

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

package subscription

import (
	"errors"
	"fmt"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Event int

const (
	// EventConnect starts a connection attempt.
	EventConnect Event = iota
	// EventConnected means the session is up and every topic is subscribed.
	EventConnected
	EventConnectFailed
	EventSubscribeFailed
	EventConnectionLost
	// EventStop is the operator stop; it is accepted from every state.
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventSubscribeFailed:
		return "subscribe_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Transition returns the state reached from s on e. ShuttingDown is terminal:
// only a repeated stop is accepted there.
func Transition(s State, e Event) (State, error) {
	if e == EventStop {
		return ShuttingDown, nil
	}
	switch s {
	case Disconnected:
		if e == EventConnect {
			return Connecting, nil
		}
	case Connecting:
		switch e {
		case EventConnected:
			return Subscribed, nil
		case EventConnectFailed, EventSubscribeFailed:
			return Disconnected, nil
		}
	case Subscribed:
		if e == EventConnectionLost {
			return Disconnected, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}

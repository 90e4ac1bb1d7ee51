package service

import "fmt"

// State is the lifecycle state of a Service.
type State int32

const (
	// StateNotStarted means no consumer asked for a client yet.
	StateNotStarted State = iota
	// StateStarting means the first spawn is in flight and there is no client.
	StateStarting
	// StateRunning means a client is current and its worker is presumed alive.
	StateRunning
	// StateRestarting means the worker exited and a replacement is on its way.
	// The current client is already stopped.
	StateRestarting
	// StateStopped is terminal.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

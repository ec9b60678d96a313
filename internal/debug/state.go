package debug

// SessionState represents the current state of a debug session.
type SessionState int

const (
	// StateTerminated means no debuggee is attached. New sessions start here.
	StateTerminated SessionState = iota
	// StateInitializing covers connect, handshake, configuration and launch/attach.
	StateInitializing
	// StateRunning is when the debuggee is running.
	StateRunning
	// StateStopped is when the debuggee is stopped (breakpoint, exception, step, pause).
	StateStopped
	// StateStepping is between a step request and the stopped event that ends it.
	StateStepping
	// StateTerminating is while Stop tears the session down.
	StateTerminating
)

// String returns a string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateTerminated:
		return "terminated"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateStepping:
		return "stepping"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// live reports whether a debuggee is attached or being attached.
func (s SessionState) live() bool {
	return s != StateTerminated && s != StateTerminating
}

// Package process supervises a single long-lived child process whose stdin,
// stdout and stderr are byte streams owned by the caller.
//
// A Process is spawned once and never restarted: when it exits the exit
// status is recorded, the OnExit callback fires exactly once and Done is
// closed. Writes to stdin are serialized so that concurrent callers never
// interleave partial lines.
package process

// State represents the lifecycle state of a supervised process.
type State int

const (
	// StateCreated is the initial state before the process has started.
	StateCreated State = iota

	// StateRunning indicates the process is alive.
	StateRunning

	// StateExited indicates the process has exited. It is terminal.
	StateExited
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

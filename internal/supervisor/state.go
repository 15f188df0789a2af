// Package supervisor owns the single composition process: it launches it
// in its own process group, stops it with SIGTERM then SIGKILL, and reports
// every exit so the caller can tell a crash from a stop it asked for.
package supervisor

// State is the supervisor's view of the composition slot.
type State int

const (
	// StateIdle means no child is current. A stopped child may still be
	// exiting in the background.
	StateIdle State = iota

	// StateRunning means a child was launched and has not been stopped or
	// reaped.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

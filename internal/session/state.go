package session

// State identifies the lifecycle phase of a companion session.
//
// Transitions are driven exclusively by the engine's event loop:
//
//	Idle ──> Connecting ──> Open ──> Closing ──> ClosedByUser
//	              │           │                  ClosedByRemote
//	              └───────────┴────────────────> Failed
//
// The three terminal states are distinguishable so callers can tell a
// deliberate hang-up from a dropped connection. A new Start is required to
// leave a terminal state.
type State int

const (
	// StateIdle is the initial state: no session exists.
	StateIdle State = iota

	// StateConnecting means a session is being established but the service
	// has not yet acknowledged it.
	StateConnecting

	// StateOpen means the session is live: audio flows both ways.
	StateOpen

	// StateClosing means a local teardown is in progress.
	StateClosing

	// StateClosedByUser means the user ended the session.
	StateClosedByUser

	// StateClosedByRemote means the service closed the transport.
	StateClosedByRemote

	// StateFailed means the session could not be established or died on an
	// unrecoverable error.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedByUser:
		return "closed_by_user"
	case StateClosedByRemote:
		return "closed_by_remote"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the three end states.
func (s State) Terminal() bool {
	switch s {
	case StateClosedByUser, StateClosedByRemote, StateFailed:
		return true
	default:
		return false
	}
}

// Status is a point-in-time snapshot of the engine, safe to read from any
// goroutine via [Companion.Snapshot].
type Status struct {
	// State is the current lifecycle phase.
	State State

	// IsSpeaking reports whether agent audio is scheduled or playing.
	IsSpeaking bool

	// Muted reports whether microphone frames are being withheld.
	Muted bool

	// Err is the most recent session error, or nil. It is reset on Start.
	Err error
}

package session

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateResponding
	StateSpeaking
	StateError
)

// String returns the wire name of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateResponding:
		return "RESPONDING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// InTurn reports whether a turn is in flight in this state.
func (s State) InTurn() bool {
	return s == StateThinking || s == StateResponding || s == StateSpeaking
}

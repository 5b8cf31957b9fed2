package session

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// validTransitions is the complete transition table. Anything else is an
// invariant violation.
var validTransitions = map[State][]State{
	StateIdle:       {StateListening, StateThinking},
	StateListening:  {StateThinking, StateIdle},
	StateThinking:   {StateResponding, StateListening, StateIdle},
	StateResponding: {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:   {StateListening, StateIdle},
	StateError:      {StateIdle},
}

// stateMachine holds the canonical state. Only the session loop calls
// Transition; State may be read from any goroutine.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle, enteredAt: time.Now()}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns how long the machine has been in its current state.
func (m *stateMachine) Since() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.enteredAt)
}

func transitionValid(from, to State) bool {
	if to == StateError {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(to State, reason string) (StateChange, error) {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return StateChange{}, &InvalidTransitionError{From: from, To: to}
	}
	now := time.Now()
	m.current = to
	m.enteredAt = now
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{FromState: from, ToState: to, Timestamp: now, Reason: reason}
	// Listeners run without the lock held.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return event, nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

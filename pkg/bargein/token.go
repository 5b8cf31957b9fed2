// Package bargein implements interruption of an in-flight turn. The server
// side holds one Token per turn; the client side runs a Monitor on the capture
// path that halts local playback before any round trip.
package bargein

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Source names what interrupted a turn.
type Source string

const (
	SourceClient     Source = "client"      // stop_playback hint from the client VAD
	SourceInterim    Source = "interim"     // recognizer interim while a turn is in flight
	SourceFinal      Source = "final"       // recognizer final while a turn is in flight
	SourceText       Source = "text"        // typed user_text while a turn is in flight
	SourceReset      Source = "reset"       // explicit reset or voice deactivation
	SourceRecognizer Source = "recognition" // recognition stream failure
	SourceShutdown   Source = "shutdown"    // session teardown
)

// ErrTurnCompleted is the cancellation cause of a turn that finished normally.
var ErrTurnCompleted = errors.New("turn completed")

// InterruptedError is the cancellation cause of an interrupted turn.
type InterruptedError struct {
	TurnID uint64
	Source Source
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("turn %d interrupted by %s", e.TurnID, e.Source)
}

// Token is the cancellation handle bound to one turn. It can be settled
// exactly once, either by Cancel or by Complete; later calls are no-ops.
type Token struct {
	turnID uint64
	ctx    context.Context
	cancel context.CancelCauseFunc

	once   sync.Once
	mu     sync.RWMutex
	source Source
}

// NewToken derives a turn context from parent.
func NewToken(parent context.Context, turnID uint64) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{turnID: turnID, ctx: ctx, cancel: cancel}
}

func (t *Token) TurnID() uint64 { return t.turnID }

// Context is cancelled once the token settles. Provider calls for the turn
// must be made with it.
func (t *Token) Context() context.Context { return t.ctx }

// Cancel interrupts the turn. It reports whether this call won.
func (t *Token) Cancel(src Source) bool {
	won := false
	t.once.Do(func() {
		t.mu.Lock()
		t.source = src
		t.mu.Unlock()
		t.cancel(&InterruptedError{TurnID: t.turnID, Source: src})
		won = true
	})
	return won
}

// Complete settles the token for a turn that finished normally.
func (t *Token) Complete() bool {
	won := false
	t.once.Do(func() {
		t.cancel(ErrTurnCompleted)
		won = true
	})
	return won
}

// Cancelled reports whether the turn was interrupted (not completed).
func (t *Token) Cancelled() bool {
	return t.Source() != ""
}

// Source returns the winning interruption source, or "" if none.
func (t *Token) Source() Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.source
}

// Err returns the settle cause, or nil while the turn is live.
func (t *Token) Err() error {
	return context.Cause(t.ctx)
}

package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError tags a cause with the reason it is reported under. The
// first reason attached to a chain is the one that sticks.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap attaches reason to err. It returns nil for nil and err unchanged when
// the chain already carries a reason.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Errorf formats like fmt.Errorf and tags the result with reason unless a
// %w operand already carries one.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the reason carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if re, ok := find(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// ClassOf is Class(Reason(err)); untagged errors are fatal.
func ClassOf(err error) ErrorClass {
	return Class(Reason(err))
}

func find(err error) (ReasonedError, bool) {
	var re ReasonedError
	if err == nil || !errors.As(err, &re) {
		return ReasonedError{}, false
	}
	return re, true
}

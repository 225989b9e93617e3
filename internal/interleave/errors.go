package interleave

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownPoint is returned when waiting on a point that was never
	// registered.
	ErrUnknownPoint = errors.New("unknown interleave point")

	// ErrNotParticipant is returned when a transaction waits on a point it
	// was not declared for.
	ErrNotParticipant = errors.New("not a participant of interleave point")

	// ErrAlreadyArrived is returned when a participant waits twice on the
	// same point.
	ErrAlreadyArrived = errors.New("participant already arrived at interleave point")
)

// ErrorCode categorizes coordinator failures.
type ErrorCode string

// ErrCodeTimeout is the CoordinatorTimeout kind.
const ErrCodeTimeout ErrorCode = "COORDINATOR_TIMEOUT"

// TimeoutError reports a rendezvous that could not complete.
type TimeoutError struct {
	// Point is the rendezvous that did not complete.
	Point string

	// Missing lists participants that never arrived, in declaration order.
	Missing []string

	// Holder is set when everyone arrived at an ordered point: it is the
	// participant holding the ordered point, which never yielded.
	Holder string

	// Bound is how long the waiter was blocked. Zero when the failure was
	// detected without waiting: a participant finished without arriving.
	Bound time.Duration
}

// Code returns ErrCodeTimeout.
func (e *TimeoutError) Code() ErrorCode {
	return ErrCodeTimeout
}

func (e *TimeoutError) Error() string {
	var why string
	switch {
	case e.Holder != "":
		why = fmt.Sprintf("%s never yielded", e.Holder)
	case e.Bound == 0:
		why = fmt.Sprintf("%s finished without arriving", strings.Join(e.Missing, ", "))
	default:
		why = fmt.Sprintf("waiting for %s", strings.Join(e.Missing, ", "))
	}
	if e.Bound > 0 {
		return fmt.Sprintf("%s: point %q after %s: %s", ErrCodeTimeout, e.Point, e.Bound, why)
	}
	return fmt.Sprintf("%s: point %q: %s", ErrCodeTimeout, e.Point, why)
}

// IsTimeout reports whether err is a coordinator timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

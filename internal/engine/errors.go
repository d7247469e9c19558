package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("engine not ready")

// InitError reports that engine startup failed after exhausting its attempts.
// It is fatal to the acquisition in progress only; the next Acquire starts a
// fresh attempt sequence.
type InitError struct {
	Attempts int
	Cause    error
}

func (e *InitError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("engine failed to start after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("engine failed to start after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// TimeoutError reports that a bounded readiness wait expired.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after waiting %s; retry once the engine has finished loading", ErrTimeout, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is the reason used when Cancel is called with nil.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out")
	// ErrOverrunAbandoned cancels a run that is still in flight when the next
	// tick of an abandon-and-run schedule arrives.
	ErrOverrunAbandoned = errors.New("abandoned for new run")
	// ErrNonGracefulAbandon is matched by every *NonGracefulAbandonError.
	ErrNonGracefulAbandon = errors.New("abandoned run did not stop within grace period")
	// ErrDisposed is the reason used when the owner of a token is torn down.
	// Observers should treat it as a clean shutdown.
	ErrDisposed = errors.New("disposed")
	// ErrSuperseded cancels a coordinator call when a newer call begins.
	ErrSuperseded = errors.New("superseded by a newer call")
)

// TimeoutError is the cancellation reason of a run that exceeded its timeout.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.Name, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NonGracefulAbandonError reports an abandoned run that kept running past
// its grace period and was left detached.
type NonGracefulAbandonError struct {
	Name  string
	RunID string
	Grace time.Duration
}

func (e *NonGracefulAbandonError) Error() string {
	return fmt.Sprintf("task %q run %s did not stop within %s of being abandoned", e.Name, e.RunID, e.Grace)
}

// Is makes errors.Is(err, ErrNonGracefulAbandon) true.
func (e *NonGracefulAbandonError) Is(target error) bool {
	return target == ErrNonGracefulAbandon
}

// IsCancellation reports whether err is an expected cancellation rather than
// a failure worth reporting. Timeouts are not cancellations.
func IsCancellation(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDisposed),
		errors.Is(err, ErrSuperseded),
		errors.Is(err, ErrOverrunAbandoned),
		errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

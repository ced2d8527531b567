package scheduler

import (
	"fmt"
	"time"

	"github.com/yairfalse/tether/pkg/cancel"
)

// Task is one unit of periodic work.
type Task struct {
	Name string
	// Run must observe tok and return promptly after it is cancelled.
	Run func(tok cancel.Token) error
}

// Config holds the time bounds of a Runner.
type Config struct {
	// TaskTimeout cancels a run with a *cancel.TimeoutError reason. Zero disables it.
	TaskTimeout time.Duration
	// Interval between ticks. Must be positive.
	Interval time.Duration
	// AbandonGrace is how long an abandoned run gets to stop before the
	// replacement starts anyway. Only used with AbandonAndRun.
	AbandonGrace time.Duration
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive (got %s)", c.Interval)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task timeout must not be negative (got %s)", c.TaskTimeout)
	}
	if c.AbandonGrace < 0 {
		return fmt.Errorf("abandon grace must not be negative (got %s)", c.AbandonGrace)
	}
	return nil
}

// OverrunPolicy decides what a tick does while the previous run is in flight.
type OverrunPolicy int

const (
	// AllowToComplete skips the tick.
	AllowToComplete OverrunPolicy = iota
	// AbandonAndRun cancels the in-flight run and starts a new one.
	AbandonAndRun
)

func (p OverrunPolicy) String() string {
	switch p {
	case AllowToComplete:
		return "allow-to-complete"
	case AbandonAndRun:
		return "abandon-and-run"
	default:
		return fmt.Sprintf("OverrunPolicy(%d)", int(p))
	}
}

// ParseOverrunPolicy converts a config string into an OverrunPolicy.
func ParseOverrunPolicy(s string) (OverrunPolicy, error) {
	switch s {
	case "allow-to-complete", "":
		return AllowToComplete, nil
	case "abandon-and-run":
		return AbandonAndRun, nil
	default:
		return 0, fmt.Errorf("unknown overrun policy %q", s)
	}
}

// StartMode controls when the first run happens.
type StartMode int

const (
	// Scheduled waits one interval before the first run.
	Scheduled StartMode = iota
	// Immediately runs once as soon as the runner starts.
	Immediately
)

func (m StartMode) String() string {
	switch m {
	case Scheduled:
		return "scheduled"
	case Immediately:
		return "immediately"
	default:
		return fmt.Sprintf("StartMode(%d)", int(m))
	}
}

// Stats is a snapshot of a Runner's counters.
type Stats struct {
	Started   uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64
	// Cancelled counts runs that ended because the runner was stopped or disposed.
	Cancelled uint64
	// Skipped counts ticks dropped under AllowToComplete.
	Skipped uint64
	// Abandoned counts runs cancelled under AbandonAndRun.
	Abandoned uint64
	// NonGraceful counts abandoned runs that outlived the grace period.
	NonGraceful uint64
	// BackgroundSettled counts detached runs (non-graceful or timed out) that eventually finished.
	BackgroundSettled uint64

	InFlight bool
}

type outcome string

const (
	outcomeSucceeded outcome = "succeeded"
	outcomeFailed    outcome = "failed"
	outcomeTimedOut  outcome = "timed_out"
	outcomeCancelled outcome = "cancelled"
	outcomeAbandoned outcome = "abandoned"
)

type runnerState int

const (
	stateStopped runnerState = iota
	stateScheduled
	stateDisposed
)

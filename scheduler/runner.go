// Package scheduler runs a named task on a fixed interval with single-flight
// execution, a per-run timeout and an overrun policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yairfalse/tether/pkg/cancel"
)

// Option configures a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger used for run outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics shares a Metrics instance between runners.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

type inFlightRun struct {
	id        string
	source    *cancel.Source
	done      chan struct{}
	timer     *clock.Timer
	startedAt time.Time

	// guarded by Runner.mu
	detached bool
	timedOut bool
}

// Runner executes a Task on an interval. At most one run is referenced as
// in flight; an abandoned run may keep executing detached until it notices
// its cancellation.
type Runner struct {
	cfg     Config
	task    Task
	policy  OverrunPolicy
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics
	skipLog rate.Sometimes

	runs sync.WaitGroup

	mu       sync.Mutex
	state    runnerState
	stopCh   chan struct{}
	loopDone chan struct{}
	inFlight *inFlightRun
	stats    Stats
}

// NewRunner creates a stopped Runner. Call Start to begin scheduling.
func NewRunner(cfg Config, task Task, policy OverrunPolicy, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	if task.Name == "" {
		return nil, errors.New("task name is required")
	}
	if task.Run == nil {
		return nil, fmt.Errorf("task %q has no run function", task.Name)
	}
	if policy != AllowToComplete && policy != AbandonAndRun {
		return nil, fmt.Errorf("task %q: unknown overrun policy %d", task.Name, int(policy))
	}

	r := &Runner{
		cfg:     cfg,
		task:    task,
		policy:  policy,
		clock:   clock.New(),
		logger:  log.Logger,
		skipLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().
		Str("component", "scheduler").
		Str("task", task.Name).
		Logger()

	if r.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("create scheduler metrics: %w", err)
		}
		r.metrics = m
	}

	return r, nil
}

// Name returns the task name.
func (r *Runner) Name() string {
	return r.task.Name
}

// Start begins scheduling. It is a no-op if the runner is already started
// or has been disposed.
func (r *Runner) Start(mode StartMode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateStopped {
		return
	}
	r.state = stateScheduled
	r.stopCh = make(chan struct{})
	r.loopDone = make(chan struct{})

	ticker := r.clock.Ticker(r.cfg.Interval)
	go r.loop(ticker, r.stopCh, r.loopDone, mode == Immediately)

	r.logger.Debug().
		Dur("interval", r.cfg.Interval).
		Dur("task_timeout", r.cfg.TaskTimeout).
		Str("policy", r.policy.String()).
		Str("mode", mode.String()).
		Msg("runner started")
}

// Stop clears the schedule and cancels the in-flight run with
// cancel.ErrDisposed. The runner can be started again. Idempotent.
func (r *Runner) Stop() {
	r.halt(false)
}

// Dispose stops the runner for good. Idempotent.
func (r *Runner) Dispose() {
	r.halt(true)
}

// Shutdown disposes the runner and waits for every run it started,
// including detached ones, to settle.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.Dispose()

	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for task %q runs: %w", r.task.Name, ctx.Err())
	}
}

// Stats returns a snapshot of the runner's counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.InFlight = r.inFlight != nil
	return s
}

func (r *Runner) halt(dispose bool) {
	r.mu.Lock()
	var loopDone chan struct{}
	if r.state == stateScheduled {
		close(r.stopCh)
		loopDone = r.loopDone
		r.state = stateStopped
	}
	if dispose {
		r.state = stateDisposed
	}
	run := r.inFlight
	r.mu.Unlock()

	if run != nil {
		run.source.Cancel(cancel.ErrDisposed)
	}
	if loopDone != nil {
		<-loopDone
		r.logger.Debug().Bool("disposed", dispose).Msg("runner stopped")
	}
}

func (r *Runner) loop(ticker *clock.Ticker, stopCh <-chan struct{}, done chan<- struct{}, immediate bool) {
	defer close(done)
	defer ticker.Stop()

	if immediate {
		r.tick(stopCh)
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.tick(stopCh)
		}
	}
}

// current reports whether stopCh still belongs to the active schedule.
// Callers must hold r.mu.
func (r *Runner) current(stopCh <-chan struct{}) bool {
	return r.state == stateScheduled && r.stopCh == stopCh
}

func (r *Runner) tick(stopCh <-chan struct{}) {
	r.mu.Lock()
	if !r.current(stopCh) {
		r.mu.Unlock()
		return
	}

	prev := r.inFlight
	if prev == nil {
		r.startLocked()
		r.mu.Unlock()
		return
	}

	if r.policy == AllowToComplete {
		r.stats.Skipped++
		r.mu.Unlock()

		r.metrics.recordSkip(context.Background(), r.task.Name)
		r.skipLog.Do(func() {
			r.logger.Debug().Str("run_id", prev.id).Msg("previous run still in flight, skipping tick")
		})
		return
	}

	var grace *clock.Timer
	if r.cfg.AbandonGrace > 0 {
		grace = r.clock.Timer(r.cfg.AbandonGrace)
	}
	r.stats.Abandoned++
	r.mu.Unlock()

	prev.source.Cancel(cancel.ErrOverrunAbandoned)
	r.logger.Warn().
		Str("run_id", prev.id).
		Err(cancel.ErrOverrunAbandoned).
		Msg("run still in flight at next tick, abandoning it")

	if grace != nil {
		select {
		case <-prev.done:
			grace.Stop()
		case <-grace.C:
		case <-stopCh:
			grace.Stop()
			return
		}
	}

	r.mu.Lock()
	graceful := isClosed(prev.done)
	if !graceful {
		prev.detached = true
		r.stats.NonGraceful++
	}
	if !r.current(stopCh) {
		r.mu.Unlock()
		return
	}
	r.startLocked()
	r.mu.Unlock()

	r.metrics.recordAbandon(context.Background(), r.task.Name, graceful)
	if !graceful {
		r.logger.Error().
			Err(&cancel.NonGracefulAbandonError{Name: r.task.Name, RunID: prev.id, Grace: r.cfg.AbandonGrace}).
			Str("run_id", prev.id).
			Msg("abandoned run left running in background")
	}
}

// startLocked replaces the in-flight reference with a fresh run.
// Callers must hold r.mu.
func (r *Runner) startLocked() {
	run := &inFlightRun{
		id:        uuid.NewString(),
		source:    cancel.NewSource(),
		done:      make(chan struct{}),
		startedAt: r.clock.Now(),
	}
	if r.cfg.TaskTimeout > 0 {
		run.timer = r.clock.AfterFunc(r.cfg.TaskTimeout, func() { r.timeout(run) })
	}

	r.inFlight = run
	r.stats.Started++
	r.runs.Add(1)

	go r.execute(run)
}

// timeout aborts run at the task timeout. The run is detached so the next
// tick can start a fresh one even if the task never returns.
func (r *Runner) timeout(run *inFlightRun) {
	r.mu.Lock()
	if isClosed(run.done) || run.source.Token().Cancelled() {
		r.mu.Unlock()
		return
	}
	run.timedOut = true
	run.detached = true
	if r.inFlight == run {
		r.inFlight = nil
	}
	r.stats.TimedOut++
	r.mu.Unlock()

	err := &cancel.TimeoutError{Name: r.task.Name, Timeout: r.cfg.TaskTimeout}
	run.source.Cancel(err)

	r.metrics.recordRun(context.Background(), r.task.Name, outcomeTimedOut, r.cfg.TaskTimeout)
	r.logger.Error().
		Str("run_id", run.id).
		Err(err).
		Msg("run timed out")
}

func (r *Runner) execute(run *inFlightRun) {
	defer r.runs.Done()

	tok := run.source.Token()
	err := r.invoke(tok)
	if run.timer != nil {
		run.timer.Stop()
	}
	elapsed := r.clock.Since(run.startedAt)
	result := classify(tok.Reason(), err)

	r.mu.Lock()
	if r.inFlight == run {
		r.inFlight = nil
	}
	detached, timedOut := run.detached, run.timedOut
	if timedOut {
		r.stats.BackgroundSettled++
	} else {
		r.stats.count(result, detached)
	}
	close(run.done)
	r.mu.Unlock()

	if timedOut {
		r.logger.Debug().
			Str("run_id", run.id).
			Dur("duration", elapsed).
			AnErr("task_error", err).
			Msg("timed out run settled")
		return
	}
	r.metrics.recordRun(context.Background(), r.task.Name, result, elapsed)
	r.report(run, result, err, elapsed, detached)
}

func (r *Runner) invoke(tok cancel.Token) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %q panicked: %v", r.task.Name, p)
		}
	}()
	return r.task.Run(tok)
}

func (r *Runner) report(run *inFlightRun, result outcome, err error, elapsed time.Duration, detached bool) {
	logger := r.logger.With().
		Str("run_id", run.id).
		Dur("duration", elapsed).
		Logger()

	switch result {
	case outcomeCancelled:
		logger.Debug().Err(err).Msg("run cancelled by shutdown")
	case outcomeAbandoned:
		if detached {
			logger.Error().Err(err).Msg("abandoned run finished in background")
			return
		}
		logger.Info().Err(err).Msg("abandoned run stopped")
	case outcomeFailed:
		logger.Error().Err(err).Msg("run failed")
	default:
		logger.Debug().Msg("run completed")
	}
}

// classify decides a run's outcome. The token reason wins over the task's
// own return value because whichever settled first decides.
func classify(reason, err error) outcome {
	switch {
	case errors.Is(reason, cancel.ErrDisposed):
		return outcomeCancelled
	case errors.Is(reason, cancel.ErrOverrunAbandoned):
		return outcomeAbandoned
	case errors.Is(reason, cancel.ErrTimeout):
		return outcomeTimedOut
	case err != nil:
		return outcomeFailed
	default:
		return outcomeSucceeded
	}
}

func (s *Stats) count(o outcome, detached bool) {
	switch o {
	case outcomeSucceeded:
		s.Succeeded++
	case outcomeFailed:
		s.Failed++
	case outcomeTimedOut:
		s.TimedOut++
	case outcomeCancelled:
		s.Cancelled++
	}
	if detached {
		s.BackgroundSettled++
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

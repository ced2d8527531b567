// Package watch turns the local server store into change and authorization
// subscriptions by polling it on an interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/scheduler"
	"github.com/yairfalse/tether/storage"
)

// Source is what the watcher polls. Refresh reloads the server list from
// disk before each List.
type Source interface {
	Refresh() error
	List() []resource.Resource
	Session() (storage.Session, error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock for polling and session expiry.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithLogger sets the watcher's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithMetrics sets the instruments of the polling runner.
func WithMetrics(m *scheduler.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// Watcher publishes server set changes and session validity changes.
type Watcher struct {
	source  Source
	runner  *scheduler.Runner
	tracker *resource.DiffTracker
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *scheduler.Metrics

	pollMu sync.Mutex

	mu         sync.Mutex
	authorized bool
	nextID     int
	changeSubs map[int]func(resource.ChangeEvent)
	authSubs   map[int]func(bool)
}

// New takes the initial snapshot and prepares the polling runner.
// Polling begins with Start.
func New(source Source, cfg scheduler.Config, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		source:     source,
		tracker:    resource.NewDiffTracker(),
		clock:      clock.New(),
		logger:     log.Logger,
		changeSubs: make(map[int]func(resource.ChangeEvent)),
		authSubs:   make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "watch").Logger()

	runnerOpts := []scheduler.Option{scheduler.WithClock(w.clock), scheduler.WithLogger(w.logger)}
	if w.metrics != nil {
		runnerOpts = append(runnerOpts, scheduler.WithMetrics(w.metrics))
	}
	runner, err := scheduler.NewRunner(cfg, scheduler.Task{Name: "store-poll", Run: w.poll}, scheduler.AllowToComplete, runnerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create poll runner: %w", err)
	}
	w.runner = runner

	if err := source.Refresh(); err != nil {
		return nil, fmt.Errorf("refresh servers: %w", err)
	}
	w.tracker.Update(source.List())
	authorized, err := w.sessionValid()
	if err != nil {
		return nil, err
	}
	w.authorized = authorized

	return w, nil
}

// Start begins polling one interval from now.
func (w *Watcher) Start() {
	w.runner.Start(scheduler.Scheduled)
}

// Shutdown stops polling and waits for an in-flight poll.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.runner.Dispose()
	return w.runner.Shutdown(ctx)
}

// Stats returns the polling runner's counters.
func (w *Watcher) Stats() scheduler.Stats {
	return w.runner.Stats()
}

// Poll checks the store now, outside of the interval.
func (w *Watcher) Poll(ctx context.Context) error {
	return w.poll(cancel.FromContext(ctx))
}

// Authorized reports the session validity seen by the last poll.
func (w *Watcher) Authorized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authorized
}

// SubscribeChanges registers fn for server set changes. fn runs on the
// polling goroutine.
func (w *Watcher) SubscribeChanges(fn func(resource.ChangeEvent)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.changeSubs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.changeSubs, id)
	}
}

// SubscribeAuth registers fn for authorization changes.
func (w *Watcher) SubscribeAuth(fn func(authorized bool)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.authSubs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.authSubs, id)
	}
}

func (w *Watcher) poll(tok cancel.Token) error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	if err := w.source.Refresh(); err != nil {
		return fmt.Errorf("refresh servers: %w", err)
	}
	servers := w.source.List()
	if tok.Cancelled() {
		return tok.Reason()
	}

	diffs := w.tracker.ComputeDiff(servers)
	w.tracker.Update(servers)
	if ev := resource.ToChangeEvent(diffs); !ev.Empty() {
		w.logger.Info().
			Int("added", len(ev.Added)).
			Int("removed", len(ev.Removed)).
			Int("changed", len(ev.Changed)).
			Msg("assigned servers changed")
		w.publishChanges(ev)
	}

	authorized, err := w.sessionValid()
	if err != nil {
		return err
	}
	w.mu.Lock()
	changed := authorized != w.authorized
	w.authorized = authorized
	w.mu.Unlock()
	if changed {
		w.logger.Info().Bool("authorized", authorized).Msg("authorization changed")
		w.publishAuth(authorized)
	}
	return nil
}

func (w *Watcher) sessionValid() (bool, error) {
	sess, err := w.source.Session()
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session: %w", err)
	}
	return sess.Valid(w.clock.Now()), nil
}

func (w *Watcher) publishChanges(ev resource.ChangeEvent) {
	w.mu.Lock()
	subs := make([]func(resource.ChangeEvent), 0, len(w.changeSubs))
	for _, fn := range w.changeSubs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (w *Watcher) publishAuth(authorized bool) {
	w.mu.Lock()
	subs := make([]func(bool), 0, len(w.authSubs))
	for _, fn := range w.authSubs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(authorized)
	}
}

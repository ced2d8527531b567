// Package reconciler keeps exactly one server connection bound against a
// changing set of assigned servers and an authorization signal.
//
// Every trigger starts a reconciliation through a latest-wins coordinator,
// so a newer trigger cancels the run before it. Runs are also serialized:
// a superseded run has to exit before the next one touches the active
// connection, which keeps disconnect-before-connect ordering intact.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/tether/coordinator"
	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
)

const defaultDisposeTimeout = 10 * time.Second

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithListener registers fn before the first reconciliation runs.
func WithListener(fn func(Event)) Option {
	return func(r *Reconciler) { r.addListener(fn) }
}

// WithLogger sets the reconciler's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithErrorHandler receives reconciliation failures that were not caused by
// cancellation.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Reconciler) { r.onError = fn }
}

// WithDisposeTimeout bounds each connection disposal.
func WithDisposeTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.disposeTimeout = d }
}

// WithClock sets the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithMetrics sets the reconciler's instruments.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

type activeResource struct {
	resource resource.Resource
	handle   Handle
}

type listener struct {
	id int
	fn func(Event)
}

// Reconciler owns the one active connection.
type Reconciler struct {
	provider   Provider
	connector  Connector
	authorized func() bool

	coord          *coordinator.Coordinator
	gate           *semaphore.Weighted
	logger         zerolog.Logger
	metrics        *Metrics
	clock          clock.Clock
	onError        func(error)
	disposeTimeout time.Duration

	pending sync.WaitGroup

	mu           sync.Mutex
	state        State
	active       *activeResource
	listeners    []listener
	nextListener int
	unsubscribe  []func()
	disposed     bool
	closed       bool
}

// New subscribes to changes and auth, then schedules the first reconciliation.
func New(provider Provider, connector Connector, changes ChangeSource, auth AuthSource, opts ...Option) (*Reconciler, error) {
	switch {
	case provider == nil:
		return nil, errors.New("reconciler: provider is nil")
	case connector == nil:
		return nil, errors.New("reconciler: connector is nil")
	case changes == nil:
		return nil, errors.New("reconciler: change source is nil")
	case auth == nil:
		return nil, errors.New("reconciler: auth source is nil")
	}

	r := &Reconciler{
		provider:       provider,
		connector:      connector,
		authorized:     auth.Authorized,
		gate:           semaphore.NewWeighted(1),
		logger:         log.Logger,
		clock:          clock.New(),
		disposeTimeout: defaultDisposeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "reconciler").Logger()
	r.coord = coordinator.New(coordinator.WithLogger(r.logger))

	if r.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("create reconciler metrics: %w", err)
		}
		r.metrics = m
	}

	r.unsubscribe = append(r.unsubscribe,
		changes.SubscribeChanges(r.handleChanges),
		auth.SubscribeAuth(r.handleAuth),
	)
	r.trigger("initial")

	return r, nil
}

// OnChange registers a listener for connection events. Listeners run
// synchronously, in emission order, and must not call Dispose directly.
func (r *Reconciler) OnChange(fn func(Event)) (unsubscribe func()) {
	id := r.addListener(fn)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state and the bound server key, if any.
func (r *Reconciler) State() (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.state, r.active.resource.Key
	}
	return r.state, ""
}

// Active returns the bound server.
func (r *Reconciler) Active() (resource.Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return resource.Resource{}, false
	}
	return r.active.resource, true
}

// Reconcile requests a reconciliation outside of the subscribed sources.
func (r *Reconciler) Reconcile() {
	r.trigger("requested")
}

// Dispose stops reacting to triggers, cancels the in-flight reconciliation,
// waits for it and tears down the active connection. It is safe to call
// again if ctx expired before teardown completed.
//
// Listeners run while a reconciliation holds the gate, so a listener must
// not call Dispose: it would block until ctx expires.
func (r *Reconciler) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	first := !r.disposed
	r.disposed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if first {
		for _, fn := range unsubscribe {
			fn()
		}
		r.coord.Dispose()
	}

	if err := r.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for in-flight reconciliation: %w", err)
	}
	r.teardown(ctx, "disposed")
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.gate.Release(1)

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for reconciliation results: %w", ctx.Err())
	}

	r.logger.Debug().Msg("reconciler disposed")
	return nil
}

func (r *Reconciler) addListener(fn func(Event)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextListener++
	r.listeners = append(r.listeners, listener{id: r.nextListener, fn: fn})
	return r.nextListener
}

func (r *Reconciler) handleChanges(ev resource.ChangeEvent) {
	if len(ev.Changed) > 0 {
		r.mu.Lock()
		if r.active != nil {
			for _, changed := range ev.Changed {
				if changed.Key == r.active.resource.Key {
					r.active.resource = changed
				}
			}
		}
		r.mu.Unlock()
	}

	if ev.AffectsMembership() {
		r.trigger("servers changed")
	}
}

func (r *Reconciler) handleAuth(authorized bool) {
	if authorized {
		r.trigger("authorized")
		return
	}
	r.trigger("unauthorized")
}

func (r *Reconciler) trigger(reason string) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.pending.Add(1)
	r.mu.Unlock()

	r.logger.Debug().Str("reason", reason).Msg("reconciliation triggered")
	result := r.coord.Go(r.reconcile)

	go func() {
		defer r.pending.Done()
		r.handleResult(<-result)
	}()
}

func (r *Reconciler) handleResult(err error) {
	switch {
	case err == nil:
		r.metrics.recordReconciliation(context.Background(), "ok")
	case cancel.IsCancellation(err):
		r.metrics.recordReconciliation(context.Background(), "superseded")
	default:
		r.metrics.recordReconciliation(context.Background(), "error")
		r.logger.Error().Err(err).Msg("reconciliation failed")
		if r.onError != nil {
			r.onError(err)
		}
	}
}

// reconcile brings the active connection in line with the desired server.
// The token is checked after every blocking step.
func (r *Reconciler) reconcile(tok cancel.Token) (err error) {
	ctx, span := tracer.Start(tok.Context(), "reconcile")
	defer func() { endSpan(span, err) }()

	if err := r.gate.Acquire(ctx, 1); err != nil {
		return tok.Reason()
	}
	defer r.gate.Release(1)
	if tok.Cancelled() {
		return tok.Reason()
	}

	if !r.authorized() {
		r.teardown(ctx, "unauthorized")
		return nil
	}

	desired, err := r.provider.Desired(tok)
	if tok.Cancelled() {
		return tok.Reason()
	}
	if err != nil {
		return fmt.Errorf("resolve desired server: %w", err)
	}

	if desired == nil {
		r.teardown(ctx, "no server assigned")
		return nil
	}

	if _, key := r.State(); key == desired.Key {
		return nil
	}

	r.teardown(ctx, "replaced by "+desired.Key)
	if tok.Cancelled() {
		return tok.Reason()
	}

	r.setState(Connecting)
	handle, err := r.connector.Connect(tok, *desired)
	if err != nil {
		r.setState(Unbound)
		if handle != nil {
			r.disposeHandle(handle, *desired)
		}
		if tok.Cancelled() {
			return tok.Reason()
		}
		return fmt.Errorf("connect to %s: %w", desired.Key, err)
	}
	if tok.Cancelled() {
		r.setState(Unbound)
		r.disposeHandle(handle, *desired)
		return tok.Reason()
	}

	r.mu.Lock()
	r.active = &activeResource{resource: *desired, handle: handle}
	r.state = Bound
	r.mu.Unlock()

	r.logger.Info().Str("server", desired.Key).Str("endpoint", desired.Endpoint).Msg("server connected")
	r.emit(ctx, Connected, *desired, "")
	return nil
}

// teardown disposes the active connection, if any, then emits disconnected.
// Callers must hold the gate.
func (r *Reconciler) teardown(ctx context.Context, reason string) {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.state = Unbound
	r.mu.Unlock()

	if active == nil {
		return
	}

	r.disposeHandle(active.handle, active.resource)
	r.logger.Info().Str("server", active.resource.Key).Str("reason", reason).Msg("server disconnected")
	r.emit(ctx, Disconnected, active.resource, reason)
}

func (r *Reconciler) disposeHandle(h Handle, res resource.Resource) {
	ctx, cancelFn := context.WithTimeout(context.Background(), r.disposeTimeout)
	defer cancelFn()

	if err := h.Dispose(ctx); err != nil {
		r.logger.Warn().Err(err).Str("server", res.Key).Msg("failed to dispose connection")
	}
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconciler) emit(ctx context.Context, kind EventKind, res resource.Resource, reason string) {
	ev := Event{Kind: kind, Resource: res, At: r.clock.Now()}
	recordConnectionEvent(trace.SpanFromContext(ctx), ev, reason)

	r.mu.Lock()
	listeners := make([]listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.metrics.recordEvent(ctx, kind)
	for _, l := range listeners {
		l.fn(ev)
	}
}

// Package daemon assembles the tether client process: the server store, the
// change watcher, the reconciler and the metrics and health endpoints.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/internal/config"
	"github.com/yairfalse/tether/internal/connection"
	"github.com/yairfalse/tether/internal/emitter"
	"github.com/yairfalse/tether/internal/filter"
	"github.com/yairfalse/tether/internal/selection"
	"github.com/yairfalse/tether/internal/telemetry"
	"github.com/yairfalse/tether/internal/watch"
	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/policy"
	"github.com/yairfalse/tether/reconciler"
	"github.com/yairfalse/tether/scheduler"
	"github.com/yairfalse/tether/storage"
	"github.com/yairfalse/tether/wal"
)

const (
	journalCleanupInterval = time.Hour
	shutdownTimeout        = 15 * time.Second
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithHTTPClient sets the client used to probe servers.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Daemon) { d.httpClient = c }
}

// Daemon keeps the client bound to its preferred assigned server.
type Daemon struct {
	cfg        *config.Config
	logger     zerolog.Logger
	httpClient *http.Client
	startTime  time.Time

	store      *storage.Store
	telemetry  *telemetry.Provider
	metrics    *DaemonMetrics
	schedMet   *scheduler.Metrics
	reconMet   *reconciler.Metrics
	watcher    *watch.Watcher
	provider   *selection.Provider
	connector  *connection.Connector
	journal    *wal.WAL
	events     *emitter.MultiEmitter
	bound      *emitter.MetricsEmitter
	listener   net.Listener
	server     *http.Server
	unsubWatch func()

	mu         sync.Mutex
	reconciler *reconciler.Reconciler
	ready      atomic.Bool
	stopped    atomic.Bool
	closeOnce  sync.Once
}

// NewDaemon opens the store and journal, sets up telemetry and binds the
// HTTP listener. Nothing connects until Start.
func NewDaemon(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     log.Logger,
		httpClient: http.DefaultClient,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "daemon").Logger()

	if err := d.init(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init(ctx context.Context) error {
	var err error

	d.telemetry, err = telemetry.NewProvider(ctx, d.cfg.OTEL)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	meter := d.telemetry.Meter()
	if d.metrics, err = NewDaemonMetrics(meter); err != nil {
		return fmt.Errorf("create daemon metrics: %w", err)
	}
	if d.schedMet, err = scheduler.NewMetrics(meter); err != nil {
		return fmt.Errorf("create scheduler metrics: %w", err)
	}
	if d.reconMet, err = reconciler.NewMetrics(meter); err != nil {
		return fmt.Errorf("create reconciler metrics: %w", err)
	}

	d.store, err = storage.Open(d.cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	engine := policy.NewEngine()
	if d.cfg.Selection.PolicyDir != "" {
		if err := engine.LoadDir(ctx, d.cfg.Selection.PolicyDir); err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
	}
	d.provider = selection.New(d.store,
		selection.WithFilter(filter.New(d.cfg.Selection.ExcludeVariants, d.cfg.Selection.IncludeLabels, d.cfg.Selection.ExcludeLabels)),
		selection.WithEvaluator(engine),
		selection.WithLogger(d.logger),
	)

	d.watcher, err = watch.New(d.store, scheduler.Config{
		Interval:    d.cfg.Scheduler.Interval,
		TaskTimeout: d.cfg.Scheduler.TaskTimeout,
	}, watch.WithLogger(d.logger), watch.WithMetrics(d.schedMet))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	d.unsubWatch = d.watcher.SubscribeChanges(d.recordChanges)
	d.metrics.RecordServersAssigned(ctx, len(d.store.List()))

	d.connector = connection.NewConnector(connection.Config{
		ProbeTimeout:      d.cfg.Connection.ProbeTimeout,
		KeepaliveInterval: d.cfg.Connection.KeepaliveInterval,
		KeepaliveTimeout:  d.cfg.Connection.KeepaliveTimeout,
		AbandonGrace:      d.cfg.Connection.AbandonGrace,
	}, connection.WithHTTPClient(d.httpClient), connection.WithLogger(d.logger), connection.WithMetrics(d.schedMet))

	if err := d.setupEmitters(); err != nil {
		return err
	}

	d.listener, err = net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Metrics.Addr, err)
	}
	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (d *Daemon) setupEmitters() error {
	logEmitter := emitter.NewLogEmitter(&d.logger)

	bound, err := emitter.NewMetricsEmitter(d.telemetry.Meter())
	if err != nil {
		return fmt.Errorf("create metrics emitter: %w", err)
	}
	d.bound = bound

	emitters := []emitter.Emitter{logEmitter, bound}
	if d.cfg.Journal.Enabled {
		d.journal, err = wal.OpenWithConfig(d.cfg.Journal.Dir, wal.Config{
			MaxFileSize:   d.cfg.Journal.MaxFileSize,
			RetentionDays: d.cfg.Journal.RetentionDays,
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		emitters = append(emitters, emitter.NewJournalEmitter(d.journal))
	}
	d.events = emitter.NewMultiEmitter(emitters...)
	return nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	if d.cfg.Metrics.Enabled {
		mux.Handle("/metrics", d.telemetry.Handler())
	}
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Health()); err != nil {
		d.logger.Error().Err(err).Msg("failed to encode health")
	}
}

// Start runs the daemon until ctx is done or SIGINT/SIGTERM arrives.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	g.Add(func() error {
		d.logger.Info().Str("addr", d.listener.Addr().String()).Msg("starting http server")
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()
		_ = d.server.Shutdown(shutdownCtx)
	})

	stop := make(chan struct{})
	g.Add(func() error {
		return d.runReconciler(stop)
	}, func(error) {
		close(stop)
	})

	if d.journal != nil {
		cleanup, err := scheduler.NewRunner(
			scheduler.Config{Interval: journalCleanupInterval},
			scheduler.Task{Name: "journal-cleanup", Run: d.cleanupJournal},
			scheduler.AllowToComplete,
			scheduler.WithLogger(d.logger), scheduler.WithMetrics(d.schedMet),
		)
		if err != nil {
			return fmt.Errorf("create journal cleanup: %w", err)
		}
		cleanupStop := make(chan struct{})
		g.Add(func() error {
			cleanup.Start(scheduler.Immediately)
			<-cleanupStop
			shutdownCtx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelFn()
			cleanup.Dispose()
			return cleanup.Shutdown(shutdownCtx)
		}, func(error) {
			close(cleanupStop)
		})
	}

	err := g.Run()
	d.stopped.Store(true)
	d.ready.Store(false)

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("received signal, shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (d *Daemon) runReconciler(stop <-chan struct{}) error {
	r, err := reconciler.New(d.provider, d.connector, d.watcher, d.watcher,
		reconciler.WithLogger(d.logger),
		reconciler.WithMetrics(d.reconMet),
		reconciler.WithDisposeTimeout(d.cfg.Connection.DisposeTimeout),
		reconciler.WithListener(emitter.Listener(d.events, d.logger)),
		reconciler.WithErrorHandler(d.recordFailure),
	)
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}
	d.mu.Lock()
	d.reconciler = r
	d.mu.Unlock()

	d.watcher.Start()
	d.ready.Store(true)
	d.logger.Info().Msg("daemon running")

	<-stop

	d.ready.Store(false)
	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFn()
	watchErr := d.watcher.Shutdown(shutdownCtx)
	disposeErr := r.Dispose(shutdownCtx)
	return errors.Join(watchErr, disposeErr)
}

func (d *Daemon) recordChanges(ev resource.ChangeEvent) {
	ctx := context.Background()
	d.metrics.RecordChangeEvent(ctx, ev)
	d.metrics.RecordServersAssigned(ctx, len(d.store.List()))
}

func (d *Daemon) recordFailure(err error) {
	if d.journal == nil {
		return
	}
	if jerr := d.journal.AppendError(wal.EntryReconcileFailed, d.Health().Bound, nil, err); jerr != nil {
		d.logger.Error().Err(jerr).Msg("failed to journal reconciliation failure")
	}
}

func (d *Daemon) cleanupJournal(tok cancel.Token) error {
	ctx := tok.Context()
	stats, err := d.journal.Cleanup()
	if err != nil {
		d.metrics.RecordJournalOperation(ctx, "cleanup", "error", "remove")
		return fmt.Errorf("journal cleanup: %w", err)
	}
	d.metrics.RecordJournalOperation(ctx, "cleanup", "success", "")
	if stats.FilesRemoved > 0 {
		d.logger.Info().
			Int("files", stats.FilesRemoved).
			Int64("bytes", stats.BytesFreed).
			Msg("removed old journal files")
	}
	return nil
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Bound  string `json:"bound,omitempty"`
	Label  string `json:"label,omitempty"`
	Uptime int64  `json:"uptime_seconds"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	status := "starting"
	switch {
	case d.stopped.Load():
		status = "stopped"
	case d.ready.Load():
		status = "healthy"
	}

	h := HealthStatus{
		Status: status,
		State:  reconciler.Unbound.String(),
		Uptime: int64(time.Since(d.startTime).Seconds()),
	}

	d.mu.Lock()
	r := d.reconciler
	d.mu.Unlock()
	if r != nil {
		state, key := r.State()
		h.State = state.String()
		h.Bound = key
	}
	if res, ok := d.bound.Bound(); ok && res.Key == h.Bound {
		h.Label = res.Label
	}
	return h
}

// Addr returns the address of the HTTP listener.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Store returns the assigned-server store.
func (d *Daemon) Store() *storage.Store {
	return d.store
}

// Close releases the store, the journal and telemetry. Call it after Start
// returns.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.unsubWatch != nil {
			d.unsubWatch()
		}
		if d.listener != nil {
			// Already closed when the server ran.
			_ = d.listener.Close()
		}
		if d.events != nil {
			if err := d.events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close emitters: %w", err))
			}
		} else if d.journal != nil {
			errs = append(errs, d.journal.Close())
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if d.telemetry != nil {
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			if err := d.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Package connection establishes and keeps alive connections to remote
// Jupyter servers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/reconciler"
	"github.com/yairfalse/tether/scheduler"
)

// StatusPath is probed on connect and on every keepalive.
const StatusPath = "/api/status"

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("server rejected token")

// Config controls probing and keepalive.
type Config struct {
	ProbeTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	AbandonGrace      time.Duration
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:      10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		AbandonGrace:      2 * time.Second,
	}
}

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(cn *Connector) { cn.client = c }
}

// WithClock sets the keepalive clock.
func WithClock(c clock.Clock) Option {
	return func(cn *Connector) { cn.clock = c }
}

// WithLogger sets the connector's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cn *Connector) { cn.logger = l }
}

// WithMetrics sets the instruments of keepalive runners.
func WithMetrics(m *scheduler.Metrics) Option {
	return func(cn *Connector) { cn.metrics = m }
}

// Connector opens Connections. It implements reconciler.Connector.
type Connector struct {
	cfg     Config
	client  *http.Client
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *scheduler.Metrics
}

var _ reconciler.Connector = (*Connector)(nil)

// NewConnector creates a Connector.
func NewConnector(cfg Config, opts ...Option) *Connector {
	c := &Connector{
		cfg:    cfg,
		client: http.DefaultClient,
		clock:  clock.New(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "connection").Logger()
	return c
}

// Connect probes the server and starts its keepalive. The probe is aborted
// when tok is cancelled.
func (c *Connector) Connect(tok cancel.Token, r resource.Resource) (reconciler.Handle, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	ctx := tok.Context()
	if c.cfg.ProbeTimeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancelFn()
	}
	if err := c.probe(ctx, r); err != nil {
		if tok.Cancelled() {
			return nil, tok.Reason()
		}
		return nil, err
	}

	conn := &Connection{
		id:       uuid.NewString(),
		resource: r,
		since:    c.clock.Now(),
	}
	conn.logger = c.logger.With().Str("server", r.Key).Str("session", conn.id).Logger()
	conn.lastSeen.Store(conn.since.UnixNano())

	opts := []scheduler.Option{scheduler.WithClock(c.clock), scheduler.WithLogger(conn.logger)}
	if c.metrics != nil {
		opts = append(opts, scheduler.WithMetrics(c.metrics))
	}
	runner, err := scheduler.NewRunner(scheduler.Config{
		TaskTimeout:  c.cfg.KeepaliveTimeout,
		Interval:     c.cfg.KeepaliveInterval,
		AbandonGrace: c.cfg.AbandonGrace,
	}, scheduler.Task{
		Name: "keepalive",
		Run:  func(tok cancel.Token) error { return conn.keepalive(c, tok) },
	}, scheduler.AbandonAndRun, opts...)
	if err != nil {
		return nil, fmt.Errorf("create keepalive: %w", err)
	}
	conn.runner = runner
	runner.Start(scheduler.Scheduled)

	conn.logger.Debug().Msg("connection established")
	return conn, nil
}

func (c *Connector) probe(ctx context.Context, r resource.Resource) error {
	url := strings.TrimSuffix(r.Endpoint, "/") + StatusPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "token "+r.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", r.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("probe %s: %w", r.Key, ErrUnauthorized)
	case resp.StatusCode >= 300:
		return fmt.Errorf("probe %s: unexpected status %d", r.Key, resp.StatusCode)
	}
	return nil
}

// Connection is a live connection to one server.
type Connection struct {
	id       string
	resource resource.Resource
	since    time.Time
	runner   *scheduler.Runner
	logger   zerolog.Logger

	lastSeen atomic.Int64 // unix nanos of the last successful probe
	failures atomic.Int32 // consecutive keepalive failures

	disposeOnce sync.Once
	disposeErr  error
}

// ID returns the client session id of this connection.
func (c *Connection) ID() string { return c.id }

// Resource returns the server this connection is bound to.
func (c *Connection) Resource() resource.Resource { return c.resource }

// Since returns when the connection was established.
func (c *Connection) Since() time.Time { return c.since }

// LastSeen returns the time of the last successful probe.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Healthy reports whether the last keepalive succeeded.
func (c *Connection) Healthy() bool {
	return c.failures.Load() == 0
}

// KeepaliveStats returns the keepalive runner's counters.
func (c *Connection) KeepaliveStats() scheduler.Stats {
	return c.runner.Stats()
}

// Dispose stops the keepalive and waits for in-flight probes. Only the
// first call does work; later calls return its result.
func (c *Connection) Dispose(ctx context.Context) error {
	c.disposeOnce.Do(func() {
		if c.runner == nil {
			return
		}
		c.disposeErr = c.runner.Shutdown(ctx)
		c.logger.Debug().Msg("connection disposed")
	})
	return c.disposeErr
}

func (c *Connection) keepalive(cn *Connector, tok cancel.Token) error {
	if err := cn.probe(tok.Context(), c.resource); err != nil {
		if tok.Cancelled() {
			return tok.Reason()
		}
		n := c.failures.Add(1)
		c.logger.Warn().Err(err).Int32("consecutive_failures", n).Msg("keepalive failed")
		return err
	}
	c.failures.Store(0)
	c.lastSeen.Store(cn.clock.Now().UnixNano())
	return nil
}

// Package coordinator makes only the most recently started operation's
// effects observable. Starting a call cancels the token of the call before
// it; operations check their token before every side effect.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/pkg/cancel"
)

// Operation is one call handed to the coordinator. It must return without
// mutating shared state once tok is cancelled.
type Operation func(tok cancel.Token) error

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator hands out one current token at a time.
type Coordinator struct {
	logger zerolog.Logger

	mu       sync.Mutex
	epoch    uint64
	current  *cancel.Source
	disposed bool
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{logger: log.Logger}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "coordinator").Logger()
	return c
}

// Run supersedes the previous call and executes op on the calling goroutine.
// It returns op's error, except that cancellation errors of a call whose
// token was cancelled are reported as nil. Run fails with cancel.ErrDisposed
// without calling op once the coordinator is disposed.
func (c *Coordinator) Run(op Operation) error {
	src, epoch, err := c.begin()
	if err != nil {
		return err
	}
	return c.finish(src, epoch, op)
}

// Go is Run with op executed on a new goroutine. Supersession happens before
// Go returns, so call order decides which call is current. The channel
// receives exactly one value.
func (c *Coordinator) Go(op Operation) <-chan error {
	result := make(chan error, 1)

	src, epoch, err := c.begin()
	if err != nil {
		result <- err
		return result
	}

	go func() {
		result <- c.finish(src, epoch, op)
	}()
	return result
}

// Epoch returns the number of calls started so far.
func (c *Coordinator) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Dispose cancels the current call with cancel.ErrDisposed and rejects
// future calls. Idempotent.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	if cur != nil {
		cur.Cancel(cancel.ErrDisposed)
	}
}

func (c *Coordinator) begin() (*cancel.Source, uint64, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("run operation: %w", cancel.ErrDisposed)
	}

	prev := c.current
	src := cancel.NewSource()
	c.current = src
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel(cancel.ErrSuperseded)
		c.logger.Debug().Uint64("epoch", epoch).Msg("superseded previous call")
	}
	return src, epoch, nil
}

func (c *Coordinator) finish(src *cancel.Source, epoch uint64, op Operation) error {
	tok := src.Token()
	err := op(tok)

	c.mu.Lock()
	if c.current == src {
		c.current = nil
	}
	c.mu.Unlock()

	if err != nil && tok.Cancelled() && cancel.IsCancellation(err) {
		c.logger.Debug().Uint64("epoch", epoch).Err(tok.Reason()).Msg("call ended by cancellation")
		return nil
	}
	return err
}

// Package cancel provides cooperative cancellation tokens with typed reasons.
//
// A Source owns the right to cancel; the Token it hands out is a read-only
// view that operations poll (Cancelled, Reason), block on (Done) or subscribe
// to (OnCancel). Tokens are backed by a context.Context, so they can be passed
// straight into I/O calls via Context.
package cancel

import (
	"context"
	"sync"
)

// Source cancels the token it owns. The zero value is not usable; use NewSource.
type Source struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	once sync.Once
}

// NewSource creates a Source whose token is independent of any parent.
func NewSource() *Source {
	return NewSourceWithParent(context.Background())
}

// NewSourceWithParent creates a Source whose token is also cancelled when
// parent is done. The parent's cause becomes the token's reason.
func NewSourceWithParent(parent context.Context) *Source {
	ctx, cancel := context.WithCancelCause(parent)
	return &Source{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation with the given reason. A nil reason becomes
// ErrCancelled. Only the first call has any effect.
func (s *Source) Cancel(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}
	s.once.Do(func() {
		s.cancel(reason)
	})
}

// Token returns the token controlled by this source.
func (s *Source) Token() Token {
	return Token{ctx: s.ctx}
}

// Token is a read-only cancellation signal. The zero Token is never cancelled.
type Token struct {
	ctx context.Context
}

// None returns a token that is never cancelled.
func None() Token {
	return Token{}
}

// FromContext wraps ctx as a token. The context's cause is the reason.
func FromContext(ctx context.Context) Token {
	return Token{ctx: ctx}
}

func (t Token) context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Context returns a context that is done when the token is cancelled.
func (t Token) Context() context.Context {
	return t.context()
}

// Done returns a channel closed on cancellation. It is nil for None.
func (t Token) Done() <-chan struct{} {
	return t.context().Done()
}

// Cancelled reports whether cancellation was requested.
func (t Token) Cancelled() bool {
	return t.context().Err() != nil
}

// Reason returns the cancellation reason, or nil if not cancelled.
func (t Token) Reason() error {
	ctx := t.context()
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// OnCancel registers fn to run once when the token is cancelled. If the
// token is already cancelled fn runs immediately, on its own goroutine.
// The returned stop function unregisters fn and reports whether it did so
// before fn was started.
func (t Token) OnCancel(fn func(reason error)) (stop func() bool) {
	ctx := t.context()
	return context.AfterFunc(ctx, func() {
		fn(context.Cause(ctx))
	})
}

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
)

const (
	waitFor = 2 * time.Second
	tickFor = 2 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu      sync.Mutex
	desired *resource.Resource
	err     error
	calls   atomic.Int32
}

func (p *fakeProvider) set(r *resource.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desired = r
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) Desired(cancel.Token) (*resource.Resource, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.desired == nil {
		return nil, nil
	}
	r := *p.desired
	return &r, nil
}

type fakeHandle struct {
	key      string
	disposed atomic.Int32
}

func (h *fakeHandle) Dispose(context.Context) error {
	h.disposed.Add(1)
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	handles []*fakeHandle
	// stall holds keys whose connects wait for cancellation, then succeed.
	stall map[string]bool
	err   error
}

func (c *fakeConnector) Connect(tok cancel.Token, r resource.Resource) (Handle, error) {
	c.mu.Lock()
	stall, err := c.stall[r.Key], c.err
	h := &fakeHandle{key: r.Key}
	c.handles = append(c.handles, h)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if stall {
		<-tok.Done()
	}
	return h, nil
}

func (c *fakeConnector) all() []*fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeHandle(nil), c.handles...)
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// fakeSource implements ChangeSource and AuthSource.
type fakeSource struct {
	mu         sync.Mutex
	authorized bool
	changes    []func(resource.ChangeEvent)
	auth       []func(bool)
}

func (s *fakeSource) SubscribeChanges(fn func(resource.ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, fn)
	idx := len(s.changes) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changes[idx] = nil
	}
}

func (s *fakeSource) SubscribeAuth(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(s.auth, fn)
	idx := len(s.auth) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.auth[idx] = nil
	}
}

func (s *fakeSource) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

func (s *fakeSource) publish(ev resource.ChangeEvent) {
	s.mu.Lock()
	fns := slices.Clone(s.changes)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (s *fakeSource) setAuthorized(ok bool) {
	s.mu.Lock()
	s.authorized = ok
	fns := slices.Clone(s.auth)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ok)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, fmt.Sprintf("%s:%s", ev.Kind, ev.Resource.Key))
	}
	return out
}

type harness struct {
	provider  *fakeProvider
	connector *fakeConnector
	source    *fakeSource
	events    *recorder
	errs      chan error
	rec       *Reconciler
}

func server(key string) *resource.Resource {
	return &resource.Resource{Key: key, Endpoint: "http://" + key + ".example:8888"}
}

func newHarness(t *testing.T, initial *resource.Resource, authorized bool) *harness {
	t.Helper()
	h := &harness{
		provider:  &fakeProvider{desired: initial},
		connector: &fakeConnector{stall: map[string]bool{}},
		source:    &fakeSource{authorized: authorized},
		events:    &recorder{},
		errs:      make(chan error, 16),
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	rec, err := New(h.provider, h.connector, h.source, h.source,
		WithListener(h.events.record),
		WithLogger(zerolog.Nop()),
		WithErrorHandler(func(err error) { h.errs <- err }),
		WithDisposeTimeout(time.Second),
	)
	require.NoError(t, err)
	h.rec = rec

	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), waitFor)
		defer cancelFn()
		require.NoError(t, rec.Dispose(ctx))
	})
}

func (h *harness) waitEvents(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, h.events.log())
	}, waitFor, tickFor, "events: %v", h.events.log())
}

func (h *harness) waitState(t *testing.T, state State, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, k := h.rec.State()
		return s == state && k == key
	}, waitFor, tickFor)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	p, c, s := &fakeProvider{}, &fakeConnector{}, &fakeSource{}

	_, err := New(nil, c, s, s)
	assert.Error(t, err)
	_, err = New(p, nil, s, s)
	assert.Error(t, err)
	_, err = New(p, c, nil, s)
	assert.Error(t, err)
	_, err = New(p, c, s, nil)
	assert.Error(t, err)
}

func TestReconciler_EventOrdering(t *testing.T) {
	h := newHarness(t, server("a"), true)
	h.start(t)

	h.waitEvents(t, "connected:a")
	h.waitState(t, Bound, "a")

	h.provider.set(server("b"))
	h.source.publish(resource.ChangeEvent{Added: []resource.Resource{*server("b")}})
	h.waitEvents(t, "connected:a", "disconnected:a", "connected:b")
	h.waitState(t, Bound, "b")

	h.provider.set(nil)
	h.source.publish(resource.ChangeEvent{Removed: []resource.Resource{*server("b")}})
	h.waitEvents(t, "connected:a", "disconnected:a", "connected:b", "disconnected:b")
	h.waitState(t, Unbound, "")

	handles := h.connector.all()
	require.Len(t, handles, 2)
	for _, handle := range handles {
		assert.Equal(t, int32(1), handle.disposed.Load(), handle.key)
	}
}

func TestReconciler_RemovingInactiveServerIsNoop(t *testing.T) {
	h := newHarness(t, server("b"), true)
	h.start(t)
	h.waitEvents(t, "connected:b")

	calls := h.provider.calls.Load()
	h.source.publish(resource.ChangeEvent{Removed: []resource.Resource{*server("x")}})
	require.Eventually(t, func() bool { return h.provider.calls.Load() > calls }, waitFor, tickFor)

	assert.Never(t, func() bool { return len(h.events.log()) != 1 }, 50*time.Millisecond, tickFor)
	assert.Equal(t, 1, h.connector.count())
	h.waitState(t, Bound, "b")
}

func TestReconciler_NothingAssigned(t *testing.T) {
	h := newHarness(t, nil, true)
	h.start(t)

	require.Eventually(t, func() bool { return h.provider.calls.Load() == 1 }, waitFor, tickFor)
	assert.Never(t, func() bool { return len(h.events.log()) > 0 }, 50*time.Millisecond, tickFor)
	h.waitState(t, Unbound, "")
}

func TestReconciler_ChangedUpdatesActiveInPlace(t *testing.T) {
	h := newHarness(t, server("a"), true)
	h.start(t)
	h.waitEvents(t, "connected:a")

	updated := *server("a")
	updated.Label = "renamed"
	h.source.publish(resource.ChangeEvent{Changed: []resource.Resource{updated}})

	active, ok := h.rec.Active()
	require.True(t, ok)
	assert.Equal(t, "renamed", active.Label)
	assert.Equal(t, 1, h.connector.count())
	assert.Equal(t, []string{"connected:a"}, h.events.log())
}

func TestReconciler_Authorization(t *testing.T) {
	h := newHarness(t, server("a"), false)
	h.start(t)

	assert.Never(t, func() bool { return h.connector.count() > 0 }, 50*time.Millisecond, tickFor)

	h.source.setAuthorized(true)
	h.waitEvents(t, "connected:a")

	h.source.setAuthorized(false)
	h.waitEvents(t, "connected:a", "disconnected:a")
	h.waitState(t, Unbound, "")

	h.source.setAuthorized(true)
	h.waitEvents(t, "connected:a", "disconnected:a", "connected:a")
	h.waitState(t, Bound, "a")
}

func TestReconciler_SupersededWhileConnecting(t *testing.T) {
	h := newHarness(t, server("slow"), true)
	h.connector.stall["slow"] = true
	h.start(t)

	require.Eventually(t, func() bool { return h.connector.count() == 1 }, waitFor, tickFor)
	state, _ := h.rec.State()
	assert.Equal(t, Connecting, state)

	h.provider.set(server("b"))
	h.source.publish(resource.ChangeEvent{Added: []resource.Resource{*server("b")}})

	h.waitEvents(t, "connected:b")
	h.waitState(t, Bound, "b")

	handles := h.connector.all()
	require.Len(t, handles, 2)
	assert.Equal(t, "slow", handles[0].key)
	assert.Equal(t, int32(1), handles[0].disposed.Load())
	assert.Zero(t, handles[1].disposed.Load())
}

func TestReconciler_ProviderError(t *testing.T) {
	boom := errors.New("store unavailable")
	h := newHarness(t, nil, true)
	h.provider.fail(boom)
	h.start(t)

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitFor):
		t.Fatal("error handler was not called")
	}
	assert.Empty(t, h.events.log())
}

func TestReconciler_ConnectError(t *testing.T) {
	refused := errors.New("connection refused")
	h := newHarness(t, server("a"), true)
	h.connector.err = refused
	h.start(t)

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, refused)
	case <-time.After(waitFor):
		t.Fatal("error handler was not called")
	}
	h.waitState(t, Unbound, "")
	assert.Empty(t, h.events.log())
}

func TestReconciler_DisposeWhileBound(t *testing.T) {
	h := newHarness(t, server("a"), true)
	h.start(t)
	h.waitEvents(t, "connected:a")

	ctx, cancelFn := context.WithTimeout(context.Background(), waitFor)
	defer cancelFn()
	require.NoError(t, h.rec.Dispose(ctx))

	assert.Equal(t, []string{"connected:a", "disconnected:a"}, h.events.log())
	assert.Equal(t, int32(1), h.connector.all()[0].disposed.Load())

	// Triggers after disposal are ignored.
	h.source.publish(resource.ChangeEvent{Added: []resource.Resource{*server("b")}})
	h.rec.Reconcile()
	assert.Equal(t, 1, h.connector.count())

	require.NoError(t, h.rec.Dispose(ctx))
}

func TestReconciler_DisposeDuringConnect(t *testing.T) {
	h := newHarness(t, server("slow"), true)
	h.connector.stall["slow"] = true
	h.start(t)

	require.Eventually(t, func() bool { return h.connector.count() == 1 }, waitFor, tickFor)

	ctx, cancelFn := context.WithTimeout(context.Background(), waitFor)
	defer cancelFn()
	require.NoError(t, h.rec.Dispose(ctx))

	assert.Empty(t, h.events.log())
	assert.Equal(t, int32(1), h.connector.all()[0].disposed.Load())
	state, key := h.rec.State()
	assert.Equal(t, Unbound, state)
	assert.Empty(t, key)
}

func TestReconciler_OnChangeUnsubscribe(t *testing.T) {
	h := newHarness(t, server("a"), true)
	h.start(t)
	h.waitEvents(t, "connected:a")

	late := &recorder{}
	unsubscribe := h.rec.OnChange(late.record)

	h.provider.set(server("b"))
	h.rec.Reconcile()
	h.waitEvents(t, "connected:a", "disconnected:a", "connected:b")
	assert.Equal(t, []string{"disconnected:a", "connected:b"}, late.log())

	unsubscribe()
	h.provider.set(nil)
	h.rec.Reconcile()
	h.waitEvents(t, "connected:a", "disconnected:a", "connected:b", "disconnected:b")
	assert.Len(t, late.log(), 2)
}

func TestReconciler_RapidTriggers(t *testing.T) {
	h := newHarness(t, server("k0"), true)
	h.start(t)

	keys := []string{"k0", "k1", "k2"}
	last := ""
	for i := 0; i < 30; i++ {
		last = keys[i%len(keys)]
		h.provider.set(server(last))
		h.source.publish(resource.ChangeEvent{Added: []resource.Resource{*server(last)}})
	}
	require.Eventually(t, func() bool {
		state, key := h.rec.State()
		log := h.events.log()
		return state == Bound && key == last &&
			len(log) > 0 && log[len(log)-1] == "connected:"+last &&
			liveHandles(h.connector) == 1
	}, waitFor, tickFor)

	// Every connect is closed by a disconnect of the same server before the next connect.
	var bound string
	for _, entry := range h.events.log() {
		switch {
		case bound == "":
			require.Contains(t, entry, "connected:")
			require.NotContains(t, entry, "disconnected:")
			bound = entry[len("connected:"):]
		default:
			require.Equal(t, "disconnected:"+bound, entry)
			bound = ""
		}
	}
}

func liveHandles(c *fakeConnector) int {
	live := 0
	for _, handle := range c.all() {
		if handle.disposed.Load() == 0 {
			live++
		}
	}
	return live
}

func TestReconciler_ListenerDisposesAsynchronously(t *testing.T) {
	h := newHarness(t, nil, true)
	h.start(t)
	require.Eventually(t, func() bool { return h.provider.calls.Load() >= 1 }, waitFor, tickFor)

	done := make(chan error, 1)
	h.rec.OnChange(func(ev Event) {
		if ev.Kind != Connected {
			return
		}
		// Listeners run under the reconciliation gate, so Dispose goes to a goroutine.
		go func() {
			ctx, cancelFn := context.WithTimeout(context.Background(), waitFor)
			defer cancelFn()
			done <- h.rec.Dispose(ctx)
		}()
	})

	h.provider.set(server("a"))
	h.rec.Reconcile()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Dispose from a listener goroutine did not return")
	}
	assert.Equal(t, []string{"connected:a", "disconnected:a"}, h.events.log())
	h.waitState(t, Unbound, "")
}

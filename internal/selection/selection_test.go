package selection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tether/internal/filter"
	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/policy"
)

type staticLister []resource.Resource

func (l staticLister) List() []resource.Resource { return l }

type evaluatorFunc func(ctx context.Context, input policy.Input) (policy.Decision, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error) {
	return f(ctx, input)
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func server(key, variant string, assignedAgo time.Duration) resource.Resource {
	return resource.Resource{
		Key:        key,
		Endpoint:   "http://" + key + ".example:8888",
		Variant:    variant,
		AssignedAt: base.Add(-assignedAgo),
	}
}

func newProvider(servers []resource.Resource, opts ...Option) *Provider {
	clk := clock.NewMock()
	clk.Set(base)
	opts = append([]Option{WithClock(clk), WithLogger(zerolog.Nop())}, opts...)
	return New(staticLister(servers), opts...)
}

func TestDesired_MostRecentlyAssigned(t *testing.T) {
	p := newProvider([]resource.Resource{
		server("old", "gpu", 2*time.Hour),
		server("new", "gpu", time.Minute),
		server("mid", "gpu", time.Hour),
	})

	got, err := p.Desired(cancel.None())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Key)
}

func TestDesired_NoServers(t *testing.T) {
	got, err := newProvider(nil).Desired(cancel.None())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDesired_FilterAndPolicy(t *testing.T) {
	servers := []resource.Resource{
		server("tpu", "tpu", 0),
		server("cpu", "default", time.Minute),
		server("gpu", "gpu", time.Hour),
	}

	engine := policy.NewEngine()
	require.NoError(t, engine.LoadPolicy(context.Background(), "no-cpu.rego", `package tether

eligible := false if {
	input.server.variant == "default"
}
`))

	p := newProvider(servers,
		WithFilter(filter.New([]string{"tpu"}, nil, nil)),
		WithEvaluator(engine),
	)

	got, err := p.Desired(cancel.None())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gpu", got.Key)

	candidates, err := p.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.True(t, candidates[0].Filtered)
	assert.False(t, candidates[1].Decision.Eligible)
	assert.True(t, candidates[2].Decision.Eligible)
}

func TestDesired_PriorityBeatsRecency(t *testing.T) {
	p := newProvider(
		[]resource.Resource{server("recent", "gpu", 0), server("preferred", "gpu", time.Hour)},
		WithEvaluator(evaluatorFunc(func(_ context.Context, in policy.Input) (policy.Decision, error) {
			d := policy.Decision{Eligible: true}
			if in.Server.Key == "preferred" {
				d.Priority = 5
			}
			return d, nil
		})),
	)

	got, err := p.Desired(cancel.None())
	require.NoError(t, err)
	assert.Equal(t, "preferred", got.Key)
}

func TestDesired_TieBrokenByKey(t *testing.T) {
	p := newProvider([]resource.Resource{server("b", "gpu", 0), server("a", "gpu", 0)})

	got, err := p.Desired(cancel.None())
	require.NoError(t, err)
	assert.Equal(t, "a", got.Key)
}

func TestDesired_Cancelled(t *testing.T) {
	src := cancel.NewSource()
	calls := 0
	p := newProvider(
		[]resource.Resource{server("a", "gpu", 0), server("b", "gpu", 0)},
		WithEvaluator(evaluatorFunc(func(context.Context, policy.Input) (policy.Decision, error) {
			calls++
			src.Cancel(cancel.ErrSuperseded)
			return policy.Decision{Eligible: true}, nil
		})),
	)

	got, err := p.Desired(src.Token())
	assert.Nil(t, got)
	assert.ErrorIs(t, err, cancel.ErrSuperseded)
	assert.Equal(t, 1, calls, "evaluation stops after cancellation")
}

func TestDesired_PolicyError(t *testing.T) {
	boom := errors.New("rego failure")
	p := newProvider(
		[]resource.Resource{server("a", "gpu", 0)},
		WithEvaluator(evaluatorFunc(func(context.Context, policy.Input) (policy.Decision, error) {
			return policy.Decision{}, boom
		})),
	)

	_, err := p.Desired(cancel.None())
	assert.ErrorIs(t, err, boom)
}

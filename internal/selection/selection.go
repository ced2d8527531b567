// Package selection resolves which assigned server should be active.
package selection

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/internal/filter"
	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/policy"
)

// Lister returns the assigned servers.
type Lister interface {
	List() []resource.Resource
}

// Evaluator decides server eligibility.
type Evaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Candidate is an assigned server with its policy decision.
type Candidate struct {
	Server   resource.Resource
	Decision policy.Decision
	Filtered bool // removed by label or variant filters before policy
}

// Option configures a Provider.
type Option func(*Provider)

// WithFilter sets the label and variant filter.
func WithFilter(f *filter.Filter) Option {
	return func(p *Provider) { p.filter = f }
}

// WithEvaluator sets the policy evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(p *Provider) { p.policy = e }
}

// WithClock sets the clock passed to policies as `now`.
func WithClock(c clock.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the provider's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider picks the eligible server with the highest policy priority,
// then the most recent assignment.
type Provider struct {
	lister Lister
	filter *filter.Filter
	policy Evaluator
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Provider over lister. Without options every server is
// eligible.
func New(lister Lister, opts ...Option) *Provider {
	p := &Provider{
		lister: lister,
		filter: filter.New(nil, nil, nil),
		policy: policy.NewEngine(),
		clock:  clock.New(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "selection").Logger()
	return p
}

// Desired returns the server to bind, or nil when none is eligible.
// It stops at the first cancellation check that fails.
func (p *Provider) Desired(tok cancel.Token) (*resource.Resource, error) {
	candidates, err := p.evaluate(tok)
	if err != nil {
		return nil, err
	}

	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Filtered || !c.Decision.Eligible {
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}

	p.logger.Debug().
		Str("server", best.Server.Key).
		Int("priority", best.Decision.Priority).
		Int("candidates", len(candidates)).
		Msg("desired server resolved")
	server := best.Server
	return &server, nil
}

// Candidates evaluates every assigned server without choosing one.
func (p *Provider) Candidates(ctx context.Context) ([]Candidate, error) {
	return p.evaluate(cancel.FromContext(ctx))
}

func (p *Provider) evaluate(tok cancel.Token) ([]Candidate, error) {
	servers := p.lister.List()
	if tok.Cancelled() {
		return nil, tok.Reason()
	}

	now := p.clock.Now()
	candidates := make([]Candidate, 0, len(servers))
	for _, server := range servers {
		c := Candidate{Server: server}
		if !p.filter.Matches(server) {
			c.Filtered = true
			candidates = append(candidates, c)
			continue
		}

		decision, err := p.policy.Evaluate(tok.Context(), policy.NewInput(server, now))
		if tok.Cancelled() {
			return nil, tok.Reason()
		}
		if err != nil {
			return nil, fmt.Errorf("evaluate server %s: %w", server.Key, err)
		}
		c.Decision = decision
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func better(a, b *Candidate) bool {
	if a.Decision.Priority != b.Decision.Priority {
		return a.Decision.Priority > b.Decision.Priority
	}
	if !a.Server.AssignedAt.Equal(b.Server.AssignedAt) {
		return a.Server.AssignedAt.After(b.Server.AssignedAt)
	}
	return a.Server.Key < b.Server.Key
}

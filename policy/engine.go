// Package policy decides which assigned servers are eligible to be bound,
// using Rego policies evaluated by OPA.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tether/pkg/resource"
)

// Policies are queried under this package.
const Package = "tether"

// Input is the document a policy sees as `input`.
type Input struct {
	Server     resource.Resource `json:"server"`
	Now        time.Time         `json:"now"`
	AgeSeconds float64           `json:"age_seconds"`
}

// NewInput builds the policy input for r. The Jupyter token is never
// exposed to policies.
func NewInput(r resource.Resource, now time.Time) Input {
	r.Token = ""
	var age float64
	if !r.AssignedAt.IsZero() {
		age = now.Sub(r.AssignedAt).Seconds()
	}
	return Input{Server: r, Now: now, AgeSeconds: age}
}

// Decision is the aggregated result of all loaded policies.
type Decision struct {
	Eligible bool     `json:"eligible"`
	Reason   string   `json:"reason,omitempty"`
	Priority int      `json:"priority"`
	Policies []string `json:"policies,omitempty"` // policies that produced a value
}

// Engine evaluates loaded Rego modules. With nothing loaded every server
// is eligible.
type Engine struct {
	logger zerolog.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	queries map[string]rego.PreparedEvalQuery
}

// NewEngine creates an engine with no policies.
func NewEngine() *Engine {
	return &Engine{
		logger:  log.With().Str("component", "policy-engine").Logger(),
		tracer:  otel.Tracer("tether.policy"),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// Loaded returns the names of loaded policies in evaluation order.
func (e *Engine) Loaded() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.namesLocked()
}

// LoadPolicy compiles a Rego module and adds it under name, replacing a
// policy of the same name.
func (e *Engine) LoadPolicy(ctx context.Context, name, regoCode string) error {
	ctx, span := e.tracer.Start(ctx, "policy_engine.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	query := rego.New(
		rego.Query("data."+Package),
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	e.mu.Lock()
	e.queries[name] = prepared
	e.mu.Unlock()

	e.logger.Info().Str("policy_name", name).Msg("policy loaded")
	return nil
}

// LoadDir loads every .rego file under dir.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("policy directory: %w", err)
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		return e.LoadPolicy(ctx, rel, string(content))
	})
}

// Evaluate runs every loaded policy against input. A server is eligible
// unless some policy sets `eligible` to false. The highest `priority` wins.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "policy_engine.evaluate",
		trace.WithAttributes(attribute.String("server.key", input.Server.Key)))
	defer span.End()

	e.mu.RLock()
	names := e.namesLocked()
	queries := make([]rego.PreparedEvalQuery, len(names))
	for i, name := range names {
		queries[i] = e.queries[name]
	}
	e.mu.RUnlock()

	decision := Decision{Eligible: true}
	var reasons []string

	for i, query := range queries {
		results, err := query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			span.RecordError(err)
			return Decision{}, fmt.Errorf("evaluate policy %s: %w", names[i], err)
		}

		res, ok := parseResults(results)
		if !ok {
			continue
		}
		decision.Policies = append(decision.Policies, names[i])

		if res.eligible != nil && !*res.eligible {
			decision.Eligible = false
		}
		if res.priority > decision.Priority {
			decision.Priority = res.priority
		}
		if res.reason != "" {
			reasons = append(reasons, res.reason)
		}
	}
	decision.Reason = strings.Join(reasons, "; ")

	span.SetAttributes(attribute.Bool("policy.eligible", decision.Eligible))
	e.logger.Debug().
		Str("server", input.Server.Key).
		Bool("eligible", decision.Eligible).
		Int("priority", decision.Priority).
		Strs("policies", decision.Policies).
		Msg("policy evaluation complete")

	return decision, nil
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.queries))
	for name := range e.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type policyResult struct {
	eligible *bool
	reason   string
	priority int
}

// parseResults reads the rules a policy defined. Undefined rules are absent
// from the package document.
func parseResults(results rego.ResultSet) (policyResult, bool) {
	var out policyResult
	found := false

	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		doc, ok := res.Expressions[0].Value.(map[string]any)
		if !ok {
			continue
		}

		if v, ok := doc["eligible"].(bool); ok {
			out.eligible = &v
			found = true
		}
		if v, ok := doc["reason"].(string); ok {
			out.reason = v
			found = true
		}
		if v, ok := toInt(doc["priority"]); ok {
			out.priority = v
			found = true
		}
	}
	return out, found
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
		if f, err := v.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

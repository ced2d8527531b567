package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds scheduler instruments using OTEL conventions.
type Metrics struct {
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	skipped     metric.Int64Counter
	abandoned   metric.Int64Counter
}

// NewMetrics creates scheduler metrics on the given meter. A nil meter uses
// the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("tether.scheduler")
	}

	runs, err := meter.Int64Counter(
		"tether.scheduler.runs",
		metric.WithDescription("Number of task runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"tether.scheduler.run.duration",
		metric.WithDescription("Duration of task runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter(
		"tether.scheduler.ticks.skipped",
		metric.WithDescription("Ticks skipped because a run was still in flight"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	abandoned, err := meter.Int64Counter(
		"tether.scheduler.runs.abandoned",
		metric.WithDescription("Runs abandoned for a newer run"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runs:        runs,
		runDuration: runDuration,
		skipped:     skipped,
		abandoned:   abandoned,
	}, nil
}

func (m *Metrics) recordRun(ctx context.Context, task string, o outcome, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", string(o)),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) recordSkip(ctx context.Context, task string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (m *Metrics) recordAbandon(ctx context.Context, task string, graceful bool) {
	m.abandoned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.Bool("graceful", graceful),
	))
}

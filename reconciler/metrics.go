package reconciler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds reconciler instruments.
type Metrics struct {
	reconciliations metric.Int64Counter
	events          metric.Int64Counter
}

// NewMetrics creates reconciler metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("tether.reconciler")
	}

	reconciliations, err := meter.Int64Counter(
		"tether.reconciler.reconciliations",
		metric.WithDescription("Number of reconciliation runs by result"),
		metric.WithUnit("{reconciliation}"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"tether.reconciler.events",
		metric.WithDescription("Connection events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{reconciliations: reconciliations, events: events}, nil
}

func (m *Metrics) recordReconciliation(ctx context.Context, result string) {
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordEvent(ctx context.Context, kind EventKind) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

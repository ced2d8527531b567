package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tether/pkg/resource"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	changeEvents      metric.Int64Counter
	serversAssigned   metric.Int64Gauge
	journalOperations metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics. A nil meter uses the global provider.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	if meter == nil {
		meter = otel.Meter("tether.daemon")
	}

	changeEvents, err := meter.Int64Counter(
		"tether.change_events",
		metric.WithDescription("Number of assigned-server changes detected"),
		metric.WithUnit("{server}"),
	)
	if err != nil {
		return nil, err
	}

	serversAssigned, err := meter.Int64Gauge(
		"tether.servers.assigned",
		metric.WithDescription("Number of servers assigned to this client"),
		metric.WithUnit("{server}"),
	)
	if err != nil {
		return nil, err
	}

	journalOperations, err := meter.Int64Counter(
		"tether.journal.operations",
		metric.WithDescription("Number of journal maintenance operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		changeEvents:      changeEvents,
		serversAssigned:   serversAssigned,
		journalOperations: journalOperations,
	}, nil
}

// RecordChangeEvent counts the servers in ev by change type.
func (m *DaemonMetrics) RecordChangeEvent(ctx context.Context, ev resource.ChangeEvent) {
	for changeType, n := range map[string]int{
		"added":   len(ev.Added),
		"removed": len(ev.Removed),
		"changed": len(ev.Changed),
	} {
		if n == 0 {
			continue
		}
		m.changeEvents.Add(ctx, int64(n), metric.WithAttributes(attribute.String("change.type", changeType)))
	}
}

// RecordServersAssigned records the current number of assigned servers.
func (m *DaemonMetrics) RecordServersAssigned(ctx context.Context, count int) {
	m.serversAssigned.Record(ctx, int64(count))
}

// RecordJournalOperation records a journal operation
func (m *DaemonMetrics) RecordJournalOperation(ctx context.Context, operation string, status string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}

	m.journalOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

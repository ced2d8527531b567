package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/reconciler"
)

// MetricsEmitter records events as OTEL metrics, exported to Prometheus by
// the daemon.
type MetricsEmitter struct {
	meter metric.Meter

	serverInfo   metric.Int64ObservableGauge
	eventsTotal  metric.Int64Counter
	boundSeconds metric.Float64Histogram

	mu    sync.RWMutex
	bound *reconciler.Event // the last connected event while bound
}

// NewMetricsEmitter creates a metrics emitter. A nil meter uses the global provider.
func NewMetricsEmitter(meter metric.Meter) (*MetricsEmitter, error) {
	if meter == nil {
		meter = otel.Meter("tether")
	}
	e := &MetricsEmitter{meter: meter}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *MetricsEmitter) initMetrics() error {
	var err error

	e.serverInfo, err = e.meter.Int64ObservableGauge(
		"tether_bound_server_info",
		metric.WithDescription("The server this client is bound to"),
		metric.WithInt64Callback(e.observeBound),
	)
	if err != nil {
		return fmt.Errorf("create bound_server_info gauge: %w", err)
	}

	e.eventsTotal, err = e.meter.Int64Counter(
		"tether_connection_events_total",
		metric.WithDescription("Connection events by kind"),
	)
	if err != nil {
		return fmt.Errorf("create connection_events counter: %w", err)
	}

	e.boundSeconds, err = e.meter.Float64Histogram(
		"tether_bound_duration_seconds",
		metric.WithDescription("How long a server stayed bound"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create bound_duration histogram: %w", err)
	}

	return nil
}

// Emit counts the event and updates the bound server gauge.
func (e *MetricsEmitter) Emit(ctx context.Context, ev reconciler.Event) error {
	e.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.String("variant", ev.Resource.Variant),
	))

	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case reconciler.Connected:
		stored := ev
		e.bound = &stored
	case reconciler.Disconnected:
		if e.bound != nil && e.bound.Resource.Key == ev.Resource.Key {
			e.boundSeconds.Record(ctx, ev.At.Sub(e.bound.At).Seconds(),
				metric.WithAttributes(attribute.String("variant", ev.Resource.Variant)))
			e.bound = nil
		}
	}
	return nil
}

// Bound returns the server the last events left bound.
func (e *MetricsEmitter) Bound() (resource.Resource, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.bound == nil {
		return resource.Resource{}, false
	}
	return e.bound.Resource, true
}

func (e *MetricsEmitter) observeBound(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.bound == nil {
		return nil
	}
	r := e.bound.Resource
	attrs := []attribute.KeyValue{
		attribute.String("key", r.Key),
		attribute.String("variant", r.Variant),
	}
	if r.Label != "" {
		attrs = append(attrs, attribute.String("label", r.Label))
	}
	if r.Accelerator != "" {
		attrs = append(attrs, attribute.String("accelerator", r.Accelerator))
	}
	o.Observe(1, metric.WithAttributes(attrs...))
	return nil
}

// Close is a no-op for the metrics emitter.
func (e *MetricsEmitter) Close() error {
	return nil
}

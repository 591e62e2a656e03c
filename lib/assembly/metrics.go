package assembly

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OTel instruments for the assembly pipeline.
type Metrics struct {
	assemblyDuration metric.Float64Histogram
	assembliesTotal  metric.Int64Counter
	basePullsTotal   metric.Int64Counter
	queueLength      metric.Int64ObservableGauge
}

// NewMetrics creates the assembly instruments on the given meter. The
// queue gauge observes the live queue state.
func NewMetrics(meter metric.Meter, queue *assemblyQueue) (*Metrics, error) {
	assemblyDuration, err := meter.Float64Histogram(
		"kiln_assembly_duration_seconds",
		metric.WithDescription("Duration of assemblies in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	assembliesTotal, err := meter.Int64Counter(
		"kiln_assemblies_total",
		metric.WithDescription("Total number of assemblies by status"),
	)
	if err != nil {
		return nil, err
	}

	basePullsTotal, err := meter.Int64Counter(
		"kiln_base_pulls_total",
		metric.WithDescription("Total number of base environment pulls from registries"),
	)
	if err != nil {
		return nil, err
	}

	queueLength, err := meter.Int64ObservableGauge(
		"kiln_assembly_queue_length",
		metric.WithDescription("Current number of assemblies waiting for a worker slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(queue.PendingCount()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		assemblyDuration: assemblyDuration,
		assembliesTotal:  assembliesTotal,
		basePullsTotal:   basePullsTotal,
		queueLength:      queueLength,
	}, nil
}

// RecordAssembly records a completed assembly. step identifies the failing
// step for failed assemblies and is empty otherwise.
func (m *Metrics) RecordAssembly(ctx context.Context, status, step string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	if step != "" {
		attrs = append(attrs, attribute.String("failed_step", step))
	}

	m.assemblyDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.assembliesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBasePull counts a registry pull (cache misses only).
func (m *Metrics) RecordBasePull(ctx context.Context) {
	m.basePullsTotal.Add(ctx, 1)
}

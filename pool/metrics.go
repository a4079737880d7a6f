package pool

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// poolMetrics holds the OpenTelemetry instruments for the pool. With no
// MeterProvider configured every instrument is a no-op.
type poolMetrics struct {
	acquires   metric.Int64Counter
	timeouts   metric.Int64Counter
	created    metric.Int64Counter
	destroyed  metric.Int64Counter
	acquireDur metric.Float64Histogram
}

func newPoolMetrics(mp metric.MeterProvider) (*poolMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("github.com/jonwraymond/toolpool/pool")

	acquires, err := meter.Int64Counter(
		"pool.acquire.total",
		metric.WithDescription("Total number of acquire attempts"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, err
	}

	timeouts, err := meter.Int64Counter(
		"pool.acquire.timeouts",
		metric.WithDescription("Acquire attempts that exceeded the acquire timeout"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, err
	}

	created, err := meter.Int64Counter(
		"pool.connections.created",
		metric.WithDescription("Connections created by the factory"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	destroyed, err := meter.Int64Counter(
		"pool.connections.destroyed",
		metric.WithDescription("Connections closed by the pool"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	acquireDur, err := meter.Float64Histogram(
		"pool.acquire.duration_ms",
		metric.WithDescription("Time spent acquiring a connection in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &poolMetrics{
		acquires:   acquires,
		timeouts:   timeouts,
		created:    created,
		destroyed:  destroyed,
		acquireDur: acquireDur,
	}, nil
}

func (m *poolMetrics) recordAcquire(ctx context.Context, endpoint string, d time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("endpoint", endpoint))
	m.acquires.Add(ctx, 1, opt)
	if errors.Is(err, ErrAcquireTimeout) {
		m.timeouts.Add(ctx, 1, opt)
	}
	m.acquireDur.Record(ctx, float64(d.Milliseconds()), opt)
}

func (m *poolMetrics) recordCreated(endpoint string) {
	m.created.Add(context.Background(), 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (m *poolMetrics) recordDestroyed(endpoint string) {
	m.destroyed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

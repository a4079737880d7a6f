package batch

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type batchMetrics struct {
	flushes   metric.Int64Counter
	failures  metric.Int64Counter
	batchSize metric.Int64Histogram
}

func newBatchMetrics(mp metric.MeterProvider) (*batchMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("github.com/jonwraymond/toolpool/batch")

	flushes, err := meter.Int64Counter(
		"batch.flush.total",
		metric.WithDescription("Total number of batches dispatched"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"batch.flush.failures",
		metric.WithDescription("Batches rejected by an executor failure"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram(
		"batch.size",
		metric.WithDescription("Number of calls per dispatched batch"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &batchMetrics{flushes: flushes, failures: failures, batchSize: batchSize}, nil
}

func (m *batchMetrics) recordFlush(ctx context.Context, size int, err error) {
	m.flushes.Add(ctx, 1)
	m.batchSize.Record(ctx, int64(size))
	if err != nil {
		m.failures.Add(ctx, 1)
	}
}

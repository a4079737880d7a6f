package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jonwraymond/toolpool/client"
)

type cacheMetrics struct {
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

func newCacheMetrics(mp metric.MeterProvider) (*cacheMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("github.com/jonwraymond/toolpool/cache")

	hits, err := meter.Int64Counter(
		"cache.hits",
		metric.WithDescription("Lookups served from the cache"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"cache.misses",
		metric.WithDescription("Lookups that required a fetch"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return &cacheMetrics{hits: hits, misses: misses}, nil
}

func (m *cacheMetrics) recordHit(ctx context.Context, kind client.DefinitionKind) {
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *cacheMetrics) recordMiss(ctx context.Context, kind client.DefinitionKind) {
	m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineInstruments are the OpenTelemetry counterparts of the Prometheus engine
// metrics, exported through the OTLP meter provider when it is enabled.
type EngineInstruments struct {
	resolutions        metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	mutations          metric.Int64Counter
	cascadeObjects     metric.Int64Histogram
	cacheLookups       metric.Int64Counter
}

// NewEngineInstruments creates instruments on the global meter provider.
func NewEngineInstruments() (*EngineInstruments, error) {
	return NewEngineInstrumentsFrom(otel.Meter(InstrumentationName))
}

// NewEngineInstrumentsFrom creates instruments on the given meter.
func NewEngineInstrumentsFrom(meter metric.Meter) (*EngineInstruments, error) {
	m := &EngineInstruments{}
	var err error

	m.resolutions, err = meter.Int64Counter(
		"repoperm.resolutions",
		metric.WithDescription("Permission set resolutions"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	m.resolutionDuration, err = meter.Float64Histogram(
		"repoperm.resolution.duration",
		metric.WithDescription("Permission set resolution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution duration histogram: %w", err)
	}

	m.mutations, err = meter.Int64Counter(
		"repoperm.grant.mutations",
		metric.WithDescription("Grant mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutations counter: %w", err)
	}

	m.cascadeObjects, err = meter.Int64Histogram(
		"repoperm.cascade.objects",
		metric.WithDescription("Objects touched by a repo-group cascade"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cascade histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"repoperm.cache.lookups",
		metric.WithDescription("Permission cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

// RecordResolution records one resolution; source is "cache" or "store".
func (m *EngineInstruments) RecordResolution(ctx context.Context, source string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.resolutions.Add(ctx, 1, attrs)
	m.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMutation records a grant mutation on an object kind.
func (m *EngineInstruments) RecordMutation(ctx context.Context, object, operation string, err error) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("object", object),
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil),
	))
}

// RecordCascade records how many objects a cascade touched.
func (m *EngineInstruments) RecordCascade(ctx context.Context, operation, recursive string, objects int) {
	if m == nil {
		return
	}
	m.cascadeObjects.Record(ctx, int64(objects), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("recursive", recursive),
	))
}

// RecordCacheLookup records a cache hit or miss.
func (m *EngineInstruments) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

package review

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-review/review"

const (
	outcomeCommitted    = "committed"
	outcomeConflict     = "conflict"
	outcomeInvalid      = "invalid"
	outcomeNotFound     = "not_found"
	outcomeFailed       = "failed"
	outcomeUnauthorized = "unauthorized"
)

type metrics struct {
	commits   metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	commits, err := meter.Int64Counter("review.commits",
		metric.WithDescription("Segment commits by outcome"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("review.lock_conflicts",
		metric.WithDescription("Lock requests refused because another reviewer holds the segment"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("review.commit.duration",
		metric.WithDescription("Time spent committing a segment edit"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{commits: commits, conflicts: conflicts, duration: duration}, nil
}

// mustMetrics falls back to no-op instruments when the global meter rejects
// the registration.
func mustMetrics() *metrics {
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = newMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *metrics) recordCommit(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.commits.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) recordConflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1)
}

// RegisterPendingGauge exposes the queue length as an observable gauge.
func RegisterPendingGauge(meter metric.Meter, q *Queue) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("review.pending_segments",
		metric.WithDescription("Segments waiting for review"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
}

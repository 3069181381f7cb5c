package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "arbiter.registry"

type metrics struct {
	submissions metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(metrics)
	var err error

	if m.submissions, err = meter.Int64Counter(
		"submissions_total",
		metric.WithDescription("Total number of category submissions by outcome"),
	); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"tasks_in_flight",
		metric.WithDescription("Number of tracked tasks not yet ended"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) submitted(ctx context.Context, category Category, accepted bool) {
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(category)),
		attribute.Bool("accepted", accepted),
	))
}

func (m *metrics) inflight(ctx context.Context, n int64) {
	m.inFlight.Add(ctx, n)
}

package task

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "arbiter.task"

type metrics struct {
	started  metric.Int64Counter
	ended    metric.Int64Counter
	pending  metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(metrics)
	var err error

	if m.started, err = meter.Int64Counter(
		"tasks_started_total",
		metric.WithDescription("Total number of tasks taken off the queue"),
	); err != nil {
		return nil, err
	}

	if m.ended, err = meter.Int64Counter(
		"tasks_ended_total",
		metric.WithDescription("Total number of ended tasks by state"),
	); err != nil {
		return nil, err
	}

	if m.pending, err = meter.Int64UpDownCounter(
		"tasks_pending",
		metric.WithDescription("Number of tasks waiting for the engine"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time taken to run each task"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) queued(ctx context.Context, n int64) {
	m.pending.Add(ctx, n)
}

func (m *metrics) run(ctx context.Context, kind Kind) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *metrics) end(ctx context.Context, kind Kind, state State, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("state", state.String()),
	)
	m.ended.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

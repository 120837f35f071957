package orchestrator

import (
	"context"
	"time"

	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	running   metric.Int64UpDownCounter
	queued    metric.Int64UpDownCounter
	queueWait metric.Float64Histogram
	duration  metric.Float64Histogram
}

func newMetrics() *metrics {
	m, err := buildMetrics(job_tracer.GetMeter())
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(""))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("eval.jobs.submitted"); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("eval.jobs.completed"); err != nil {
		return nil, err
	}
	if m.running, err = meter.Int64UpDownCounter("eval.jobs.running"); err != nil {
		return nil, err
	}
	if m.queued, err = meter.Int64UpDownCounter("eval.jobs.queued"); err != nil {
		return nil, err
	}
	if m.queueWait, err = meter.Float64Histogram("eval.jobs.queue_wait_seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("eval.jobs.duration_seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) jobSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1)
	m.queued.Add(ctx, 1)
}

func (m *metrics) jobAdmitted(ctx context.Context, waited time.Duration) {
	m.queued.Add(ctx, -1)
	m.running.Add(ctx, 1)
	m.queueWait.Record(ctx, waited.Seconds())
}

// jobFinished records a terminal transition. wasRunning is false for jobs
// cancelled straight out of the wait line.
func (m *metrics) jobFinished(ctx context.Context, o model.Outcome, wasRunning bool) {
	if wasRunning {
		m.running.Add(ctx, -1)
		m.duration.Record(ctx, o.Duration.Seconds(), metric.WithAttributes(attribute.String("status", string(o.Status))))
	} else {
		m.queued.Add(ctx, -1)
	}
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
}

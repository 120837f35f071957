// Package sink delivers terminal job outcomes to the configured consumers.
package sink

import (
	"context"
	"time"

	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/kscalelabs/kodachrome/model"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
)

const defaultTimeout = 10 * time.Second

// Sink consumes outcomes. Deliver should give up when ctx ends.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, o model.Outcome) error
}

// Dispatcher fans an outcome out to every sink concurrently. Failures and
// panics are logged per sink and never reach the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
}

func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{sinks: sinks, timeout: timeout}
}

func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch returns once every sink has finished or hit its deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, o model.Outcome) {
	var wg conc.WaitGroup
	for _, s := range d.sinks {
		wg.Go(func() {
			d.deliver(ctx, s, o)
		})
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, o model.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Sink/"+s.Name())
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", o.JobID.String()),
		attribute.String("job.status", string(o.Status)),
	)

	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() {
		err = s.Deliver(ctx, o)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	if err != nil {
		util.RecordSpanError(span, err)
		logger.FromContext(ctx).Error().
			Err(err).
			Str("sink", s.Name()).
			Str("job_id", o.JobID.String()).
			Msg("sink delivery failed")
	}
}

package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kscalelabs/kodachrome/internal/component/jetstream"
	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/queue"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

// NewJetStreamClient connects and makes sure the EVENTS stream exists.
func NewJetStreamClient(cfg *config.NatsConfig) (queue.Queue, error) {
	nc, err := jetstream.NewJetStreamClient(cfg, "kodachrome")
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     queue.StreamName,
		Subjects: []string{"events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
	}, nil
}

// PublishEvent publishes data with the caller's trace context in the headers.
func (c *JetStreamClient) PublishEvent(ctx context.Context, event queue.QueueEvent, data []byte) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Jetstream/Publish")
	defer span.End()

	msg := nats.NewMsg(string(event))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if _, err := c.context.PublishMsg(msg, nats.Context(ctx)); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (c *JetStreamClient) SubscribeEvent(ctx context.Context, event queue.QueueEvent, consumer string, handler func(context.Context, []byte) error) error {
	sub, err := c.context.PullSubscribe(string(event), consumer,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.BindStream(queue.StreamName),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", event, err)
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			if ctx.Err() != nil {
				return
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, nats.ErrSubscriptionClosed) || errors.Is(err, nats.ErrConnectionClosed) {
					return
				}
				logger.Log.Error().Err(err).Str("event", string(event)).Msg("fetch failed")
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				mctx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
				if err := handler(mctx, msg.Data); err != nil {
					logger.Log.Error().Err(err).Str("event", string(event)).Msg("failed to handle event")
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()
	return nil
}

func (c *JetStreamClient) Shutdown() {
	_ = c.connection.Drain() // flush + stop new messages
	c.connection.Close()
}

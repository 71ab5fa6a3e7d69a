package queue

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// A HandlerFunc processes one delivered message. Returning true acks (and
// thereby deletes) the message; returning false leaves it for redelivery
// after the visibility timeout.
type HandlerFunc func(ctx context.Context, msg *nats.Msg) bool

// ConsumerConfig controls one durable consumer loop.
type ConsumerConfig struct {
	Subject string
	Durable string

	// AckWait is the visibility timeout: how long a claimed message stays
	// invisible before the queue hands it to another replica.
	AckWait time.Duration

	// MaxDeliver bounds redelivery so a poisoned message cannot loop
	// forever. Zero means the server default.
	MaxDeliver int
}

// Consume runs a durable pull consumer until ctx is canceled. Any number of
// replicas may run the same durable consumer; the queue hands each message
// to exactly one of them at a time.
func Consume(ctx context.Context, js nats.JetStreamContext, cfg ConsumerConfig, h HandlerFunc) error {
	opts := []nats.SubOpt{
		nats.AckExplicit(),
		nats.DeliverAll(),
	}
	if cfg.AckWait > 0 {
		opts = append(opts, nats.AckWait(cfg.AckWait))
	}
	if cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, opts...)
	if err != nil {
		return err
	}
	go consumeLoop(ctx, sub, cfg, h)
	return nil
}

func consumeLoop(ctx context.Context, sub *nats.Subscription, cfg ConsumerConfig, h HandlerFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("subject", cfg.Subject).Error("queue: fetch failed")
			sentry.CaptureException(err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if h(ctx, msg) {
				if err := msg.Ack(); err != nil {
					// The message will be redelivered; the handler must be
					// safe to re-run.
					log.WithError(err).WithField("subject", cfg.Subject).Warn("queue: ack failed")
				}
			} else if err := msg.Nak(); err != nil {
				log.WithError(err).WithField("subject", cfg.Subject).Warn("queue: nak failed")
			}
		}
	}
}

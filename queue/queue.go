// Package queue provides the JetStream-backed message plumbing between the
// workers. Delivery is at least once: a message is only removed from its
// queue when the consumer acks it, and an unacked message becomes visible
// again once the ack wait (the visibility timeout) elapses.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
)

// Queue publishes JSON messages to JetStream subjects.
type Queue struct {
	js nats.JetStreamContext
}

// New wraps an established JetStream context.
func New(js nats.JetStreamContext) *Queue {
	return &Queue{js: js}
}

// Publish marshals v as JSON and publishes it on subject, waiting for the
// stream's ack.
func (q *Queue) Publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// EnsureStream creates the stream holding the given subjects if it does not
// exist yet. The work-queue retention policy removes each message once its
// consumer acks it, which is the "consumed and deleted by the next stage"
// lifecycle the pipeline relies on.
func EnsureStream(js nats.JetStreamContext, name string, subjects []string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
	})
	return err
}

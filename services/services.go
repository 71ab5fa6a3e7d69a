// Package services holds the pipeline's workers: dispatch, completion,
// notification, archive, thaw, and restore.
//
// Every worker is constructed with its collaborators passed in explicitly
// and consumes exactly one queue subject (the completion handler is the one
// exception: it is invoked by the runner's process exit, not by a message).
// All coordination between replicas happens through the job store's guarded
// updates and the queue's ack semantics; the workers share no in-process
// state.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/queue"
)

// JobStore is the slice of the job-record store the workers use. Guarded
// transitions report GuardFailed instead of erroring when another worker got
// there first.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)
	ArchivedNotRetrieved(ctx context.Context, userID string) ([]*models.JobRecord, error)
	MarkRunning(ctx context.Context, jobID string) (jobrecords.UpdateResult, error)
	MarkCompleted(ctx context.Context, jobID string, completeTime time.Time, result, logLoc models.Location) (jobrecords.UpdateResult, error)
	MarkArchived(ctx context.Context, jobID, archiveID string) (jobrecords.UpdateResult, error)
	MarkRetrieving(ctx context.Context, jobID, retrievalID string) (jobrecords.UpdateResult, error)
	MarkRetrieved(ctx context.Context, jobID string) (jobrecords.UpdateResult, error)
}

// Publisher publishes a JSON message on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// errDropMessage wraps errors that can never succeed on retry (ownership
// mismatches, stale events). The consumer acks the message instead of
// letting it loop.
var errDropMessage = errors.New("dropping message")

func dropf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", errDropMessage, fmt.Sprintf(format, a...))
}

// handler turns a worker's handle func into a queue.HandlerFunc, applying
// the uniform delete-vs-retry classification: success, malformed messages,
// and explicit drops are acked; everything else is left for redelivery.
func handler(name string, h func(ctx context.Context, data []byte) error) queue.HandlerFunc {
	return func(ctx context.Context, msg *nats.Msg) bool {
		start := time.Now()
		err := h(ctx, msg.Data)
		go metrics.Time(name+".latency", time.Since(start))
		switch {
		case err == nil:
			go metrics.Increment(name + ".success")
			return true
		case messages.IsMalformed(err):
			// Redelivery cannot fix a message that does not parse.
			log.WithError(err).Errorf("%s: dropping malformed message", name)
			go metrics.Increment(name + ".malformed")
			return true
		case errors.Is(err, errDropMessage):
			log.WithError(err).Warnf("%s: dropping message", name)
			go metrics.Increment(name + ".dropped")
			return true
		default:
			log.WithError(err).Errorf("%s: message processing failed, leaving for redelivery", name)
			go metrics.Increment(name + ".error")
			sentry.CaptureException(err)
			return false
		}
	}
}

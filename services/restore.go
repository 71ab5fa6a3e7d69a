package services

import (
	"context"
	"fmt"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/storage"
)

// Restorer finishes a thaw: when the vault reports a retrieval done, it
// copies the thawed bytes back to the result's original hot location and
// flips the record to RETRIEVED.
//
// The triggering mechanism is an adapter detail; whether the vault event
// arrives by queue or push, the guarded-update contract is the same as for
// the polling workers.
type Restorer struct {
	records JobStore
	objects storage.ObjectStore
	vault   storage.Vault

	consumer queue.ConsumerConfig
}

// NewRestorer creates a Restorer from the configuration.
func NewRestorer(cfg *config.Config, records JobStore, objects storage.ObjectStore, vault storage.Vault) *Restorer {
	return &Restorer{
		records: records,
		objects: objects,
		vault:   vault,
		consumer: queue.ConsumerConfig{
			Subject:    cfg.RestoreSubject,
			Durable:    "AnnexRestorer",
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		},
	}
}

// Start begins consuming restore completion events until ctx is canceled.
func (r *Restorer) Start(ctx context.Context, js nats.JetStreamContext) error {
	return queue.Consume(ctx, js, r.consumer, handler("restore", r.handle))
}

func (r *Restorer) handle(ctx context.Context, data []byte) error {
	ev, err := messages.ParseRestoreCompletionEvent(data)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": ev.JobID, "retrieval_id": ev.RetrievalID})

	rec, err := r.records.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if rec.RetrievalID != "" && rec.RetrievalID != ev.RetrievalID {
		// A stale event from a retrieval this record no longer tracks.
		return dropf("retrieval %s does not match job %s", ev.RetrievalID, ev.JobID)
	}
	if rec.ResultLocation.IsZero() {
		return dropf("job %s has no result location to restore into", ev.JobID)
	}

	body, err := r.vault.GetRetrievalOutput(ctx, ev.RetrievalID)
	if err != nil {
		return fmt.Errorf("services: fetching retrieval output for job %s: %w", ev.JobID, err)
	}
	defer body.Close()
	if err := r.objects.Put(ctx, rec.ResultLocation, body, -1); err != nil {
		return fmt.Errorf("services: writing restored result for job %s: %w", ev.JobID, err)
	}

	res, err := r.records.MarkRetrieved(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if res == jobrecords.GuardFailed {
		logger.Warn("restore: job was not RETRIEVING, already restored elsewhere")
		return nil
	}
	go metrics.Increment("restore.success")
	logger.Info("restore: result back in hot storage")
	return nil
}

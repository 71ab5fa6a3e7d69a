package services

import (
	"context"
	"errors"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/storage"
)

// Thawer reacts to tier upgrades: it finds the user's archived-but-not-
// retrieved jobs and starts a vault retrieval for each one, expedited when
// capacity allows.
type Thawer struct {
	records  JobStore
	vault    storage.Vault
	profiles profiles.Directory

	consumer queue.ConsumerConfig
}

// NewThawer creates a Thawer from the configuration.
func NewThawer(cfg *config.Config, records JobStore, vault storage.Vault, dir profiles.Directory) *Thawer {
	return &Thawer{
		records:  records,
		vault:    vault,
		profiles: dir,
		consumer: queue.ConsumerConfig{
			Subject:    cfg.ThawSubject,
			Durable:    "AnnexThawer",
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		},
	}
}

// Start begins consuming thaw requests until ctx is canceled.
func (t *Thawer) Start(ctx context.Context, js nats.JetStreamContext) error {
	return queue.Consume(ctx, js, t.consumer, handler("thaw", t.handle))
}

func (t *Thawer) handle(ctx context.Context, data []byte) error {
	req, err := messages.ParseThawRequest(data)
	if err != nil {
		return err
	}
	logger := log.WithField("user_id", req.UserID)

	// Guard against stale or duplicate upgrade events.
	tier, err := t.profiles.GetTier(ctx, req.UserID)
	if err != nil {
		return err
	}
	if tier != profiles.TierPremium {
		return dropf("user %s is not premium, ignoring thaw request", req.UserID)
	}

	recs, err := t.records.ArchivedNotRetrieved(ctx, req.UserID)
	if err != nil {
		return err
	}
	logger.WithField("count", len(recs)).Info("thaw: starting retrievals")

	// One job's failure must not abort the batch. A job whose retrieval
	// could not be initiated stays NOT_RETRIEVED and will be picked up by
	// a future thaw trigger.
	for _, rec := range recs {
		jobLogger := logger.WithField("job_id", rec.JobID)
		retrievalID, err := t.initiate(ctx, rec.ArchiveID, rec.JobID)
		if err != nil {
			jobLogger.WithError(err).Error("thaw: could not initiate retrieval")
			go metrics.Increment("thaw.initiate.error")
			continue
		}
		res, err := t.records.MarkRetrieving(ctx, rec.JobID, retrievalID)
		if err != nil {
			jobLogger.WithError(err).Error("thaw: could not mark job retrieving")
			continue
		}
		if res == jobrecords.GuardFailed {
			jobLogger.Warn("thaw: job already retrieving, skipping")
			continue
		}
		jobLogger.WithField("retrieval_id", retrievalID).Info("thaw: retrieval started")
		go metrics.Increment("thaw.initiate.success")
	}
	return nil
}

// initiate submits a retrieval, preferring the expedited tier and falling
// back to standard when the vault is out of expedited capacity.
func (t *Thawer) initiate(ctx context.Context, archiveID, jobID string) (string, error) {
	desc := messages.NewRetrievalDescription(jobID)
	retrievalID, err := t.vault.InitiateRetrieval(ctx, archiveID, desc, storage.TierExpedited)
	if errors.Is(err, storage.ErrInsufficientCapacity) {
		go metrics.Increment("thaw.expedited_fallback")
		return t.vault.InitiateRetrieval(ctx, archiveID, desc, storage.TierStandard)
	}
	return retrievalID, err
}

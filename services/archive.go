package services

import (
	"context"
	"fmt"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/storage"
)

// Archiver moves completed free-tier results from hot storage into the cold
// vault.
//
// The ordering is deliberate: the guarded ARCHIVED flip happens before the
// irreversible hot-copy deletion. A crash between vault write and flip is
// safe to retry (the vault just mints another handle); a crash between flip
// and deletion leaves a harmless duplicate copy rather than data loss.
type Archiver struct {
	records  JobStore
	objects  storage.ObjectStore
	vault    storage.Vault
	profiles profiles.Directory

	consumer queue.ConsumerConfig
}

// NewArchiver creates an Archiver from the configuration.
func NewArchiver(cfg *config.Config, records JobStore, objects storage.ObjectStore, vault storage.Vault, dir profiles.Directory) *Archiver {
	return &Archiver{
		records:  records,
		objects:  objects,
		vault:    vault,
		profiles: dir,
		consumer: queue.ConsumerConfig{
			Subject:    cfg.ArchiveSubject,
			Durable:    "AnnexArchiver",
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		},
	}
}

// Start begins consuming archive requests until ctx is canceled.
func (a *Archiver) Start(ctx context.Context, js nats.JetStreamContext) error {
	return queue.Consume(ctx, js, a.consumer, handler("archive", a.handle))
}

func (a *Archiver) handle(ctx context.Context, data []byte) error {
	req, err := messages.ParseArchiveRequest(data)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": req.JobID, "user_id": req.UserID})

	rec, err := a.records.Get(ctx, req.JobID)
	if err != nil {
		return err
	}
	if rec.UserID != req.UserID {
		return dropf("job %s is not owned by user %s", req.JobID, req.UserID)
	}
	if rec.ArchiveStatus == models.StatusArchived {
		// Duplicate delivery after a successful archive, or a retry after
		// a crash between the flip and the hot-copy deletion. Either way
		// the vault already holds the result; do not touch the hot copy.
		logger.Info("archive: job already archived, nothing to do")
		return nil
	}

	// The tier may have changed between completion and now; re-confirm
	// before moving anything to the vault.
	tier, err := a.profiles.GetTier(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("services: looking up tier for user %s: %w", req.UserID, err)
	}
	if tier != profiles.TierFree {
		logger.Info("archive: owner is no longer free tier, skipping")
		go metrics.Increment("archive.skipped_premium")
		return nil
	}

	body, err := a.objects.Get(ctx, req.ResultLocation)
	if err != nil {
		return fmt.Errorf("services: fetching result for job %s: %w", req.JobID, err)
	}
	archiveID, err := a.vault.Upload(ctx, body)
	body.Close()
	if err != nil {
		return fmt.Errorf("services: vault upload for job %s: %w", req.JobID, err)
	}

	res, err := a.records.MarkArchived(ctx, req.JobID, archiveID)
	if err != nil {
		return err
	}
	if res == jobrecords.GuardFailed {
		// A concurrent delivery archived the job first and owns the
		// hot-copy deletion; deleting here too would race it.
		logger.Warn("archive: job archived concurrently, skipping hot-copy delete")
		return nil
	}
	go metrics.Increment("archive.success")
	logger.WithField("archive_id", archiveID).Info("archive: result archived")

	// Only after the guarded flip is the now-redundant hot copy removed.
	if err := a.objects.Delete(ctx, req.ResultLocation); err != nil {
		return fmt.Errorf("services: deleting hot copy for job %s: %w", req.JobID, err)
	}
	return nil
}

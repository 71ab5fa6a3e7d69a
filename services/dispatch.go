package services

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/storage"
)

// Dispatcher claims job requests, stages the input locally, launches the
// annotation runner, and flips the job to RUNNING.
type Dispatcher struct {
	records JobStore
	objects storage.ObjectStore

	jobsDir  string
	consumer queue.ConsumerConfig

	// launch starts the runner for the staged input and returns without
	// waiting for it; dispatch is fire and forget.
	launch func(inputPath string) error
}

// NewDispatcher creates a Dispatcher from the configuration.
func NewDispatcher(cfg *config.Config, records JobStore, objects storage.ObjectStore) *Dispatcher {
	runnerPath := cfg.RunnerPath
	return &Dispatcher{
		records: records,
		objects: objects,
		jobsDir: cfg.JobsDirectory,
		consumer: queue.ConsumerConfig{
			Subject:    cfg.RequestsSubject,
			Durable:    "AnnexDispatcher",
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		},
		launch: func(inputPath string) error {
			cmd := exec.Command(runnerPath, inputPath)
			if err := cmd.Start(); err != nil {
				return err
			}
			// Reap the child; its exit status is its own business.
			go cmd.Wait()
			return nil
		},
	}
}

// Start begins consuming job requests until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context, js nats.JetStreamContext) error {
	return queue.Consume(ctx, js, d.consumer, handler("dispatch", d.handle))
}

func (d *Dispatcher) handle(ctx context.Context, data []byte) error {
	req, err := messages.ParseJobRequest(data)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": req.JobID, "user_id": req.UserID})

	// The working directory is exclusive per (user, job): if it already
	// exists, another dispatcher claimed this job and the message is a
	// duplicate delivery.
	if err := os.MkdirAll(filepath.Join(d.jobsDir, req.UserID), 0o755); err != nil {
		return err
	}
	jobDir := filepath.Join(d.jobsDir, req.UserID, req.JobID)
	if err := os.Mkdir(jobDir, 0o755); err != nil {
		if os.IsExist(err) {
			logger.Warn("dispatch: job directory already exists, treating as duplicate delivery")
			return dropf("job %s already claimed", req.JobID)
		}
		return err
	}

	// No state has been persisted yet; on a fetch or launch failure the
	// directory is removed so the queue's redelivery can start over.
	inputPath := filepath.Join(jobDir, req.InputFileName)
	if err := storage.Download(ctx, d.objects, req.InputLocation(), inputPath); err != nil {
		os.RemoveAll(jobDir)
		return err
	}
	if err := d.launch(inputPath); err != nil {
		os.RemoveAll(jobDir)
		return err
	}

	res, err := d.records.MarkRunning(ctx, req.JobID)
	if err != nil {
		return err
	}
	if res == jobrecords.GuardFailed {
		// A different dispatcher already advanced this job.
		logger.Warn("dispatch: job was not PENDING, already claimed elsewhere")
		return nil
	}
	logger.Info("dispatch: job running")
	return nil
}

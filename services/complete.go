package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/storage"
)

// Completer finishes a job after the annotation executable exits: it uploads
// the result and log, flips the record to COMPLETED, announces the
// completion, and requests archival for free-tier owners.
//
// Unlike the other workers it is not driven by a queue message; the runner
// binary invokes Run when the executable's process exits. This is the seam
// between in-process work and the async pipeline.
type Completer struct {
	records  JobStore
	objects  storage.ObjectStore
	pub      Publisher
	profiles profiles.Directory

	resultsBucket  string
	keyPrefix      string
	resultsSubject string
	archiveSubject string
	linkBase       string
	linkExpiry     time.Duration
}

// NewCompleter creates a Completer from the configuration.
func NewCompleter(cfg *config.Config, records JobStore, objects storage.ObjectStore, pub Publisher, dir profiles.Directory) *Completer {
	return &Completer{
		records:        records,
		objects:        objects,
		pub:            pub,
		profiles:       dir,
		resultsBucket:  cfg.ResultsBucket,
		keyPrefix:      cfg.ResultsKeyPrefix,
		resultsSubject: cfg.ResultsSubject,
		archiveSubject: cfg.ArchiveSubject,
		linkBase:       cfg.LinkBase,
		linkExpiry:     cfg.LinkExpiry,
	}
}

// ParseJobPath splits an input path of the form
// .../<user_id>/<job_id>/<input_file_name> into its components.
func ParseJobPath(inputPath string) (userID, jobID, inputName string, err error) {
	clean := filepath.Clean(inputPath)
	inputName = filepath.Base(clean)
	jobDir := filepath.Dir(clean)
	jobID = filepath.Base(jobDir)
	userID = filepath.Base(filepath.Dir(jobDir))
	if inputName == "" || jobID == "" || userID == "" ||
		jobID == "." || userID == "." || jobID == string(filepath.Separator) {
		return "", "", "", fmt.Errorf("services: input path %q is not of the form .../<user>/<job>/<input>", inputPath)
	}
	return userID, jobID, inputName, nil
}

// ResultFileName derives the annotated result's name from the input's.
func ResultFileName(inputName string) string {
	return strings.TrimSuffix(inputName, filepath.Ext(inputName)) + ".annot.vcf"
}

// LogFileName derives the log file's name from the input's.
func LogFileName(inputName string) string {
	return inputName + ".count.log"
}

// Run completes the job whose annotation just finished. inputPath is the
// same path the executable was launched with; the executable deposited the
// result and log files next to it before exiting.
func (c *Completer) Run(ctx context.Context, inputPath string) error {
	userID, jobID, inputName, err := ParseJobPath(inputPath)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "user_id": userID})
	jobDir := filepath.Dir(inputPath)

	resultName := ResultFileName(inputName)
	logName := LogFileName(inputName)
	resultLoc := models.Location{
		Bucket: c.resultsBucket,
		Key:    c.keyPrefix + "/" + userID + "/" + resultName,
	}
	logLoc := models.Location{
		Bucket: c.resultsBucket,
		Key:    c.keyPrefix + "/" + userID + "/" + logName,
	}

	// A COMPLETED record must point at real objects, so upload failures
	// are fatal here, not swallowed.
	start := time.Now()
	if err := storage.UploadFile(ctx, c.objects, resultLoc, filepath.Join(jobDir, resultName)); err != nil {
		return fmt.Errorf("services: uploading result for job %s: %w", jobID, err)
	}
	if err := storage.UploadFile(ctx, c.objects, logLoc, filepath.Join(jobDir, logName)); err != nil {
		return fmt.Errorf("services: uploading log for job %s: %w", jobID, err)
	}
	go metrics.Time("complete.upload.latency", time.Since(start))

	res, err := c.records.MarkCompleted(ctx, jobID, time.Now().UTC(), resultLoc, logLoc)
	if err != nil {
		return err
	}
	if res == jobrecords.GuardFailed {
		// Another runner finished this job; its notices are already out.
		logger.Warn("complete: job was not RUNNING, skipping notices")
		c.cleanup(jobDir, logger)
		return nil
	}
	logger.Info("complete: job completed")
	go metrics.Increment("complete.success")

	link, err := c.resultLink(ctx, jobID, resultLoc)
	if err != nil {
		return err
	}
	notice := messages.JobCompletionNotice{UserID: userID, JobID: jobID, Link: link}
	if err := c.pub.Publish(ctx, c.resultsSubject, &notice); err != nil {
		return fmt.Errorf("services: publishing completion notice for job %s: %w", jobID, err)
	}

	// The owner's tier is read fresh at completion time; only free-tier
	// results get tiered out to the vault.
	tier, err := c.profiles.GetTier(ctx, userID)
	if err != nil {
		return fmt.Errorf("services: looking up tier for user %s: %w", userID, err)
	}
	if tier == profiles.TierFree {
		archiveReq := messages.ArchiveRequest{UserID: userID, JobID: jobID, ResultLocation: resultLoc}
		if err := c.pub.Publish(ctx, c.archiveSubject, &archiveReq); err != nil {
			return fmt.Errorf("services: publishing archive request for job %s: %w", jobID, err)
		}
		go metrics.Increment("complete.archive_requested")
	}

	c.cleanup(jobDir, logger)
	return nil
}

// resultLink builds the user-facing link for the completion notice: the job
// detail page when a web base URL is configured, otherwise a presigned read
// URL straight to the result object.
func (c *Completer) resultLink(ctx context.Context, jobID string, resultLoc models.Location) (string, error) {
	if c.linkBase != "" {
		return strings.TrimSuffix(c.linkBase, "/") + "/annotations/" + jobID, nil
	}
	return c.objects.PresignedLink(ctx, resultLoc, c.linkExpiry)
}

// cleanup removes the job's working directory, and the owner's directory if
// it is now empty. Best effort; failures are logged, not fatal.
func (c *Completer) cleanup(jobDir string, logger *log.Entry) {
	if err := os.RemoveAll(jobDir); err != nil {
		logger.WithError(err).Warn("complete: could not remove job directory")
		return
	}
	userDir := filepath.Dir(jobDir)
	entries, err := os.ReadDir(userDir)
	if err == nil && len(entries) == 0 {
		if err := os.Remove(userDir); err != nil {
			logger.WithError(err).Warn("complete: could not remove user directory")
		}
	}
}

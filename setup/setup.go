// Setup helps initialize the worker binaries.
package setup

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/models/db"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/storage"
)

// Records connects to Postgres and prepares the job-record store.
func Records(cfg *config.Config) (*jobrecords.Store, error) {
	conn, err := db.New(cfg.DatabaseURL, cfg.DBConns)
	if err != nil {
		return nil, err
	}
	return jobrecords.New(conn)
}

// JetStream connects to NATS and makes sure the pipeline stream exists.
func JetStream(cfg *config.Config) (nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("annex"))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if err := queue.EnsureStream(js, cfg.StreamName, cfg.Subjects()); err != nil {
		return nil, err
	}
	return js, nil
}

// Objects builds the hot object-store client.
func Objects(cfg *config.Config) (storage.ObjectStore, error) {
	return storage.NewMinioStore(cfg.ObjectStoreEndpoint,
		cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, cfg.ObjectStoreSecure)
}

// Vault builds the cold archive vault client.
func Vault(cfg *config.Config) storage.Vault {
	return storage.NewVaultClient(cfg.VaultToken, cfg.VaultURL, cfg.VaultName)
}

// Profiles builds the accounts-service client.
func Profiles(cfg *config.Config) profiles.Directory {
	return profiles.NewClient(cfg.ProfilesToken, cfg.ProfilesURL)
}

// Observability starts metrics and error reporting for the named worker.
func Observability(worker string) {
	metrics.Namespace = "annex." + worker
	metrics.Start(worker)
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.WithError(err).Warn("setup: could not initialize sentry")
		}
	}
}

// WaitForShutdown blocks until SIGTERM or SIGINT, then cancels the workers'
// context. In-flight messages that miss their ack simply become visible
// again after the visibility timeout.
func WaitForShutdown(cancel context.CancelFunc) {
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigterm
	log.Infof("Caught signal %v, shutting down...", sig)
	cancel()
}

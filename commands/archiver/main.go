// Move completed free-tier results into the cold archive vault.
package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/services"
	"github.com/anserbio/annex/setup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	setup.Observability("archiver")

	records, err := setup.Records(cfg)
	if err != nil {
		log.Fatal(err)
	}
	js, err := setup.JetStream(cfg)
	if err != nil {
		log.Fatal(err)
	}
	objects, err := setup.Objects(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	archiver := services.NewArchiver(cfg, records, objects, setup.Vault(cfg), setup.Profiles(cfg))
	if err := archiver.Start(ctx, js); err != nil {
		log.Fatal(err)
	}
	log.Info("archiver started")
	setup.WaitForShutdown(cancel)
}

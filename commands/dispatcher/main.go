// Dispatch annotation jobs: claim job requests, stage inputs, launch runs.
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
	setup.Observability("dispatcher")

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
	dispatcher := services.NewDispatcher(cfg, records, objects)
	if err := dispatcher.Start(ctx, js); err != nil {
		log.Fatal(err)
	}
	log.Info("dispatcher started")
	setup.WaitForShutdown(cancel)
}

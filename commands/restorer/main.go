// Copy thawed results back into hot storage when retrievals finish.
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
	setup.Observability("restorer")

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
	restorer := services.NewRestorer(cfg, records, objects, setup.Vault(cfg))
	if err := restorer.Start(ctx, js); err != nil {
		log.Fatal(err)
	}
	log.Info("restorer started")
	setup.WaitForShutdown(cancel)
}

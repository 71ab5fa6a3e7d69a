// Start cold-storage retrievals when a user upgrades to premium.
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
	setup.Observability("thawer")

	records, err := setup.Records(cfg)
	if err != nil {
		log.Fatal(err)
	}
	js, err := setup.JetStream(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	thawer := services.NewThawer(cfg, records, setup.Vault(cfg), setup.Profiles(cfg))
	if err := thawer.Start(ctx, js); err != nil {
		log.Fatal(err)
	}
	log.Info("thawer started")
	setup.WaitForShutdown(cancel)
}

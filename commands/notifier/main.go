// Email users when their annotation jobs finish.
package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/notify"
	"github.com/anserbio/annex/services"
	"github.com/anserbio/annex/setup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	setup.Observability("notifier")

	js, err := setup.JetStream(cfg)
	if err != nil {
		log.Fatal(err)
	}
	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailSender,
	})

	ctx, cancel := context.WithCancel(context.Background())
	notifier := services.NewNotifier(cfg, setup.Profiles(cfg), mailer)
	if err := notifier.Start(ctx, js); err != nil {
		log.Fatal(err)
	}
	log.Info("notifier started")
	setup.WaitForShutdown(cancel)
}

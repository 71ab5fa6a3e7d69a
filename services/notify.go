package services

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/notify"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/queue"
)

// Notifier consumes completion notices and emails the job's owner. The
// message is only acked after the send succeeds; a redelivered notice may
// produce a second email, which is accepted.
type Notifier struct {
	profiles profiles.Directory
	mailer   notify.Mailer

	subject  string
	consumer queue.ConsumerConfig
}

// NewNotifier creates a Notifier from the configuration.
func NewNotifier(cfg *config.Config, dir profiles.Directory, mailer notify.Mailer) *Notifier {
	return &Notifier{
		profiles: dir,
		mailer:   mailer,
		subject:  cfg.MailSubject,
		consumer: queue.ConsumerConfig{
			Subject:    cfg.ResultsSubject,
			Durable:    "AnnexNotifier",
			AckWait:    cfg.AckWait,
			MaxDeliver: cfg.MaxDeliver,
		},
	}
}

// Start begins consuming completion notices until ctx is canceled.
func (n *Notifier) Start(ctx context.Context, js nats.JetStreamContext) error {
	return queue.Consume(ctx, js, n.consumer, handler("notify", n.handle))
}

func (n *Notifier) handle(ctx context.Context, data []byte) error {
	notice, err := messages.ParseJobCompletionNotice(data)
	if err != nil {
		return err
	}
	p, err := n.profiles.Get(ctx, notice.UserID)
	if err != nil {
		return fmt.Errorf("services: resolving recipient for user %s: %w", notice.UserID, err)
	}
	body := fmt.Sprintf("Job %s for user %s has finished. Results can be downloaded from this link: %s",
		notice.JobID, notice.UserID, notice.Link)
	if err := n.mailer.Send(ctx, p.Email, n.subject, body); err != nil {
		return fmt.Errorf("services: sending completion mail for job %s: %w", notice.JobID, err)
	}
	log.WithFields(log.Fields{"job_id": notice.JobID, "user_id": notice.UserID}).Info("notify: completion mail sent")
	return nil
}

// Package notify sends job-completion email.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"time"
)

const smtpDefaultTimeout = 30 * time.Second

// A Mailer delivers one message to one recipient. Sends are not idempotent;
// the caller decides whether a redelivered notice is worth a second email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RequireTLS bool
}

// SMTPMailer sends mail through a single SMTP relay using STARTTLS and
// plain auth.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	fromAddr, err := mail.ParseAddress(m.cfg.From)
	if err != nil {
		return fmt.Errorf("notify: bad sender address: %w", err)
	}
	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("notify: bad recipient address: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	dialer := &net.Dialer{Timeout: smtpDefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("notify: failed to dial SMTP server: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(smtpDefaultTimeout))

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("notify: failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	tlsActive := false
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: m.cfg.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("notify: failed to start TLS: %w", err)
		}
		tlsActive = true
	} else if m.cfg.RequireTLS {
		return fmt.Errorf("notify: smtp server %s does not support STARTTLS", m.cfg.Host)
	}

	if m.cfg.Username != "" {
		if !tlsActive {
			return fmt.Errorf("notify: smtp auth refused without TLS")
		}
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(fromAddr.Address); err != nil {
		return fmt.Errorf("notify: smtp mail failed: %w", err)
	}
	if err := client.Rcpt(toAddr.Address); err != nil {
		return fmt.Errorf("notify: smtp rcpt failed: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: smtp data failed: %w", err)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		fromAddr.String(), toAddr.String(), subject, body)
	if _, err := wc.Write([]byte(message)); err != nil {
		_ = wc.Close()
		return fmt.Errorf("notify: smtp write failed: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("notify: smtp data close failed: %w", err)
	}
	return client.Quit()
}

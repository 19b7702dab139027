// Package notifier sends transactional email on billing state transitions.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"github.com/crestline/keystone/internal/config"
)

// Notifier is the mail-transport collaborator consumed by billing.
type Notifier interface {
	Send(ctx context.Context, to string, subject string, htmlBody string) error
}

var ErrEmptyRecipient = errors.New("empty_recipient")

// SMTPNotifier delivers mail over plain SMTP.
type SMTPNotifier struct {
	cfg config.EmailConfig
}

func NewSMTP(cfg config.EmailConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) Send(ctx context.Context, to string, subject string, htmlBody string) error {
	if to == "" {
		return ErrEmptyRecipient
	}

	auth := smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\n%s\r\n%s",
		n.cfg.FromName, n.cfg.SMTPFrom, to, subject, mime, htmlBody))

	return smtp.SendMail(addr, auth, n.cfg.SMTPFrom, []string{to}, msg)
}

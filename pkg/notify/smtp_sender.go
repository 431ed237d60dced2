package notify

import (
	"context"
	"errors"
	"strings"

	"gopkg.in/gomail.v2"

	"copyreg/pkg/domain"
)

// SMTPConfig holds outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends plain-text emails through an SMTP server.
type SMTPSender struct {
	from   string
	dialer interface {
		DialAndSend(m ...*gomail.Message) error
	}
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	return &SMTPSender{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password),
	}, nil
}

func (s *SMTPSender) SendStatusUpdate(ctx context.Context, app domain.Application, recipient domain.User) error {
	return s.send(ctx, StatusUpdateMessage(app, recipient))
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, email, link string) error {
	return s.send(ctx, PasswordResetMessage(email, link))
}

func (s *SMTPSender) send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return s.dialer.DialAndSend(m)
}

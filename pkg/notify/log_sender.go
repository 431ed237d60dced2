package notify

import (
	"context"
	"log/slog"

	"copyreg/pkg/domain"
)

// LogSender writes notifications to the log instead of sending them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendStatusUpdate(ctx context.Context, app domain.Application, recipient domain.User) error {
	msg := StatusUpdateMessage(app, recipient)
	s.logger.InfoContext(ctx, "status update notification",
		"to", msg.To,
		"application_id", app.ID,
		"status", app.Status,
	)
	return nil
}

func (s *LogSender) SendPasswordReset(ctx context.Context, email, link string) error {
	s.logger.InfoContext(ctx, "password reset notification", "to", email, "link", link)
	return nil
}

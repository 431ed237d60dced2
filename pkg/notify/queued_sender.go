package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"copyreg/pkg/domain"
	"copyreg/pkg/queue"
)

const (
	jobStatusUpdate  = "status_update"
	jobPasswordReset = "password_reset"
)

type statusUpdateJob struct {
	Application domain.Application `json:"application"`
	Recipient   domain.User        `json:"recipient"`
}

type passwordResetJob struct {
	Email string `json:"email"`
	Link  string `json:"link"`
}

// Enqueuer is the part of the job queue used for outgoing notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, payload string) (queue.Job, error)
}

// QueuedSender defers delivery to a background worker by enqueueing jobs.
type QueuedSender struct {
	queue Enqueuer
}

func NewQueuedSender(q Enqueuer) *QueuedSender {
	return &QueuedSender{queue: q}
}

func (s *QueuedSender) SendStatusUpdate(ctx context.Context, app domain.Application, recipient domain.User) error {
	return s.enqueue(ctx, jobStatusUpdate, statusUpdateJob{Application: app, Recipient: recipient})
}

func (s *QueuedSender) SendPasswordReset(ctx context.Context, email, link string) error {
	return s.enqueue(ctx, jobPasswordReset, passwordResetJob{Email: email, Link: link})
}

func (s *QueuedSender) enqueue(ctx context.Context, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", kind, err)
	}
	if _, err := s.queue.Enqueue(ctx, kind, string(payload)); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// Deliver returns a queue handler that hands jobs to target.
func Deliver(target Sender) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		switch job.Kind {
		case jobStatusUpdate:
			var p statusUpdateJob
			if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
				return fmt.Errorf("decode status update job: %w", err)
			}
			return target.SendStatusUpdate(ctx, p.Application, p.Recipient)
		case jobPasswordReset:
			var p passwordResetJob
			if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
				return fmt.Errorf("decode password reset job: %w", err)
			}
			return target.SendPasswordReset(ctx, p.Email, p.Link)
		default:
			return fmt.Errorf("unknown notification job %q", job.Kind)
		}
	}
}

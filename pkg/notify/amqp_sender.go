package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"copyreg/pkg/domain"
)

const (
	RoutingStatusUpdate  = "notify.status_update"
	RoutingPasswordReset = "notify.password_reset"
)

// Event is the JSON body published for an external mailer.
type Event struct {
	Type          string        `json:"type"`
	To            string        `json:"to"`
	Subject       string        `json:"subject"`
	Body          string        `json:"body"`
	ApplicationID string        `json:"applicationId,omitempty"`
	Status        domain.Status `json:"status,omitempty"`
	Link          string        `json:"link,omitempty"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

// AMQPSender publishes notification events to a topic exchange.
type AMQPSender struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSender dials url and declares a durable topic exchange.
func NewAMQPSender(url, exchange string) (*AMQPSender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp url required")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = "copyreg.notifications"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPSender{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSender) SendStatusUpdate(ctx context.Context, app domain.Application, recipient domain.User) error {
	msg := StatusUpdateMessage(app, recipient)
	return s.publish(ctx, RoutingStatusUpdate, Event{
		Type:          "status_update",
		To:            msg.To,
		Subject:       msg.Subject,
		Body:          msg.Body,
		ApplicationID: app.ID,
		Status:        app.Status,
		OccurredAt:    time.Now().UTC(),
	})
}

func (s *AMQPSender) SendPasswordReset(ctx context.Context, email, link string) error {
	msg := PasswordResetMessage(email, link)
	return s.publish(ctx, RoutingPasswordReset, Event{
		Type:       "password_reset",
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Link:       link,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *AMQPSender) publish(ctx context.Context, key string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
}

// Close closes the channel and connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Mailer = (*AMQPMailer)(nil)

// message is the envelope the mail service consumes.
type message struct {
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Template   string         `json:"template"`
	Data       map[string]any `json:"data"`
	QueuedAt   time.Time      `json:"queued_at"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPMailer hands emails to the mail service through a durable exchange.
type AMQPMailer struct {
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
	log        *zerolog.Logger
	mu         sync.Mutex
}

func NewAMQPMailer(url, exchange, routingKey string, logger *zerolog.Logger) (*AMQPMailer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	m := newAMQPMailer(ch, exchange, routingKey, logger)
	m.conn = conn
	m.log.Info().Str("exchange", exchange).Str("routing_key", routingKey).Msg("mail publisher connected")
	return m, nil
}

func newAMQPMailer(ch amqpChannel, exchange, routingKey string, logger *zerolog.Logger) *AMQPMailer {
	l := logger.With().Str("component", "amqp_mailer").Logger()
	return &AMQPMailer{ch: ch, exchange: exchange, routingKey: routingKey, log: &l}
}

func (m *AMQPMailer) SendEmail(ctx context.Context, recipients []string, subject, template string, data map[string]any) error {
	body, err := json.Marshal(message{
		Recipients: recipients,
		Subject:    subject,
		Template:   template,
		Data:       data,
		QueuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.ch.PublishWithContext(ctx, m.exchange, m.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         template,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish email: %w", err)
	}
	m.log.Debug().Str("template", template).Int("recipients", len(recipients)).Msg("email queued")
	return nil
}

func (m *AMQPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ch.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close channel")
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

//go:build !integration

package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange, key string
	published     []amqp.Publishing
	err           error
	closed        bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange, f.key = exchange, key
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPMailer(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("publishes a persistent json envelope", func(t *testing.T) {
		ch := &fakeChannel{}
		m := newAMQPMailer(ch, "mail", "send_email", &logger)

		err := m.SendEmail(context.Background(), []string{"a@example.com"}, "Payment receipt", "payment-invoice",
			map[string]any{"amount": 20})
		require.NoError(t, err)

		require.Len(t, ch.published, 1)
		assert.Equal(t, "mail", ch.exchange)
		assert.Equal(t, "send_email", ch.key)
		pub := ch.published[0]
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, "payment-invoice", pub.Type)

		var msg message
		require.NoError(t, json.Unmarshal(pub.Body, &msg))
		assert.Equal(t, []string{"a@example.com"}, msg.Recipients)
		assert.Equal(t, "payment-invoice", msg.Template)
		assert.EqualValues(t, 20, msg.Data["amount"])
		assert.False(t, msg.QueuedAt.IsZero())
	})

	t.Run("publish errors are returned", func(t *testing.T) {
		ch := &fakeChannel{err: errors.New("channel closed")}
		m := newAMQPMailer(ch, "mail", "send_email", &logger)

		err := m.SendEmail(context.Background(), []string{"a@example.com"}, "s", "t", nil)
		assert.ErrorContains(t, err, "channel closed")
	})

	t.Run("close releases the channel", func(t *testing.T) {
		ch := &fakeChannel{}
		m := newAMQPMailer(ch, "mail", "send_email", &logger)

		require.NoError(t, m.Close())
		assert.True(t, ch.closed)
	})
}

func TestLogMailer(t *testing.T) {
	logger := zerolog.Nop()
	m := NewLogMailer(&logger, false)
	assert.NoError(t, m.SendEmail(context.Background(), []string{"someone@example.com"}, "s", "t", nil))
}

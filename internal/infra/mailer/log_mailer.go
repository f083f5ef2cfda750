package mailer

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/logging"
)

// Compile-time check
var _ adapter.Mailer = (*LogMailer)(nil)

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	log *zerolog.Logger
	dev bool
}

func NewLogMailer(logger *zerolog.Logger, dev bool) *LogMailer {
	l := logger.With().Str("component", "log_mailer").Logger()
	return &LogMailer{log: &l, dev: dev}
}

func (m *LogMailer) SendEmail(ctx context.Context, recipients []string, subject, template string, data map[string]any) error {
	to := make([]string, len(recipients))
	for i, r := range recipients {
		to[i] = logging.Redact(r, m.dev)
	}
	m.log.Info().Strs("to", to).Str("subject", subject).Str("template", template).Interface("data", data).Msg("email")
	return nil
}

func (m *LogMailer) Close() error { return nil }

package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/metrics"
)

// Compile-time check
var _ NotificationUseCase = (*notificationUC)(nil)

type NotificationUseCase interface {
	// SendReceipt queues a payment receipt. It never blocks on delivery and
	// never fails the caller.
	SendReceipt(ctx context.Context, email string, p *model.Payment, plan *model.Plan)
}

// TaskSubmitter runs fire-and-forget work; worker.Pool satisfies it.
type TaskSubmitter interface {
	Submit(task func(ctx context.Context) error) error
}

type ReceiptSettings struct {
	Subject  string
	Template string
	Currency string
}

type notificationUC struct {
	mailer   adapter.Mailer
	pool     TaskSubmitter
	settings ReceiptSettings
	log      *zerolog.Logger
}

// NewNotificationUseCase sends through pool when given, inline otherwise.
func NewNotificationUseCase(mailer adapter.Mailer, pool TaskSubmitter, settings ReceiptSettings, logger *zerolog.Logger) *notificationUC {
	if settings.Template == "" {
		settings.Template = "payment-invoice"
	}
	if settings.Subject == "" {
		settings.Subject = "Payment receipt"
	}
	l := logger.With().Str("component", "notification_uc").Logger()
	return &notificationUC{mailer: mailer, pool: pool, settings: settings, log: &l}
}

func (n *notificationUC) SendReceipt(ctx context.Context, email string, p *model.Payment, plan *model.Plan) {
	if email == "" || p == nil {
		return
	}
	data := map[string]any{
		"payment_id": p.ID,
		"processor":  string(p.Processor),
		"amount":     p.Amount,
		"currency":   n.settings.Currency,
		"plan":       p.PlanCode,
		"card_brand": p.Card.Brand,
		"card_last4": p.Card.Last4,
		"created_at": p.CreatedAt,
	}
	if plan != nil {
		data["credits"] = plan.Credits
		data["days"] = plan.CycleDays()
	}
	send := func(ctx context.Context) error {
		err := n.mailer.SendEmail(ctx, []string{email}, n.settings.Subject, n.settings.Template, data)
		if err != nil {
			metrics.IncNotification(n.settings.Template, "error")
			return err
		}
		metrics.IncNotification(n.settings.Template, "sent")
		return nil
	}

	if n.pool == nil {
		if err := send(ctx); err != nil {
			n.log.Warn().Err(err).Str("payment_id", p.ID).Msg("receipt not sent")
		}
		return
	}
	if err := n.pool.Submit(send); err != nil {
		metrics.IncNotification(n.settings.Template, "dropped")
		n.log.Warn().Err(err).Str("payment_id", p.ID).Msg("receipt dropped")
	}
}

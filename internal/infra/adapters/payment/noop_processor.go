package payment

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymentProcessor = (*NoopProcessor)(nil)
	_ adapter.OrderCreator     = (*NoopProcessor)(nil)
	_ adapter.WebhookHandler   = (*NoopProcessor)(nil)
	_ adapter.StatusChecker    = (*NoopProcessor)(nil)
	_ adapter.PlanProvisioner  = (*NoopProcessor)(nil)
)

// NoopProcessor is an in-memory processor for dev mode and tests. It accepts
// every well-formed request; FailNext makes the next call fail.
type NoopProcessor struct {
	name model.Processor

	mu       sync.Mutex
	seq      int64
	charges  map[string]int64 // charge id -> amount
	statuses map[string]model.PaymentStatus
	failNext *domain.ProcessorError
}

func NewNoopProcessor(name model.Processor) *NoopProcessor {
	return &NoopProcessor{
		name:     name,
		charges:  make(map[string]int64),
		statuses: make(map[string]model.PaymentStatus),
	}
}

func (g *NoopProcessor) Name() model.Processor { return g.name }

func (g *NoopProcessor) RequiresCustomer() bool { return g.name.SupportsRecurringCharge() }

// FailNext arms a one-shot failure of the given kind.
func (g *NoopProcessor) FailNext(kind domain.ProcessorErrorKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = &domain.ProcessorError{Processor: string(g.name), Kind: kind, Detail: "noop failure"}
}

// SetStatus fixes what LookupStatus reports for a token.
func (g *NoopProcessor) SetStatus(token string, st model.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[token] = st
}

func (g *NoopProcessor) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%s-%d", g.name, prefix, g.seq)
}

// armed returns and clears a pending failure; callers hold mu.
func (g *NoopProcessor) armed() error {
	if g.failNext == nil {
		return nil
	}
	err := g.failNext
	g.failNext = nil
	return err
}

func (g *NoopProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return adapter.CustomerResult{}, err
	}
	if method.Nonce == "" {
		return adapter.CustomerResult{}, domain.NewValidationError(domain.KeyMissingNonce)
	}
	return adapter.CustomerResult{
		CustomerToken: g.next("cus"),
		CardToken:     g.next("card"),
		Card:          model.CardDetails{Brand: "visa", ExpMonth: "12", ExpYear: "2030", Last4: "4242"},
	}, nil
}

func (g *NoopProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return adapter.ChargeResult{}, err
	}
	if req.Amount <= 0 {
		return adapter.ChargeResult{}, domain.NewValidationError(domain.KeyEmptyAmount)
	}
	if g.RequiresCustomer() && req.Method.CustomerToken == "" {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(g.name), Kind: domain.ProcessorInvalidRequest, Code: domain.KeyMissingCustomer,
		}
	}
	id := req.Method.Nonce
	if id == "" || g.RequiresCustomer() {
		id = g.next("ch")
	}
	g.charges[id] = req.Amount
	return adapter.ChargeResult{
		ChargeID:      id,
		CustomerToken: req.Method.CustomerToken,
		CardToken:     req.Method.CardToken,
		Card:          model.CardDetails{Brand: "visa", Last4: "4242"},
	}, nil
}

func (g *NoopProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return adapter.SubscriptionResult{}, err
	}
	id := g.next("sub")
	g.statuses[id] = model.PaymentStatusPending
	return adapter.SubscriptionResult{SubscriptionID: id, RedirectURL: "https://example.test/approve/" + id}, nil
}

func (g *NoopProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	if g.name == model.ProcessorCoinbase {
		return adapter.RefundResult{}, unsupported(g.name, "refund")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return adapter.RefundResult{}, err
	}
	return adapter.RefundResult{RefundID: "refund-" + chargeRef, Status: "DONE"}, nil
}

func (g *NoopProcessor) CreateOrder(ctx context.Context, amount int64, description string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return "", err
	}
	return g.next("order"), nil
}

// VerifyWebhook accepts everything.
func (g *NoopProcessor) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	return nil
}

// ParseWebhook understands the provider's own format for the two
// webhook-driven processors.
func (g *NoopProcessor) ParseWebhook(body []byte) (*adapter.WebhookEvent, error) {
	switch g.name {
	case model.ProcessorCoinbase:
		return parseCoinbaseEvent(body)
	default:
		return parsePayPalEvent(body)
	}
}

func (g *NoopProcessor) LookupStatus(ctx context.Context, token string) (model.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.armed(); err != nil {
		return "", err
	}
	if st, ok := g.statuses[token]; ok {
		return st, nil
	}
	return model.PaymentStatusPending, nil
}

func (g *NoopProcessor) ProvisionPlan(ctx context.Context, plan *model.Plan) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	productKey := plan.PayPalProductKey
	if productKey == "" {
		productKey = g.next("prod")
	}
	return productKey, g.next("plan"), nil
}

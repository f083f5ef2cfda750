//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/adapters/payment"
	"subscription-billing/internal/usecase"
)

// ---- In-memory PaymentRepository ----

type MockPaymentRepo struct {
	mu    sync.Mutex
	store map[string]*model.Payment
	// emails maps user id -> email for FindByIDAndEmail
	emails map[string]string

	SaveFunc func(ctx context.Context, tx repository.Tx, p *model.Payment) error
}

var _ repository.PaymentRepository = (*MockPaymentRepo)(nil)

func NewMockPaymentRepo() *MockPaymentRepo {
	return &MockPaymentRepo{store: make(map[string]*model.Payment), emails: make(map[string]string)}
}

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	if p.UserID != nil {
		id := *p.UserID
		cp.UserID = &id
	}
	return &cp
}

func (m *MockPaymentRepo) Save(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, tx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.store[p.ID]; ok && old.Status != p.Status && !old.Status.CanTransitionTo(p.Status) {
		return domain.ErrInvalidTransition
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	m.store[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepo) InsertIfAbsent(ctx context.Context, tx repository.Tx, p *model.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.store {
		if x.Processor == p.Processor && x.PaymentToken == p.PaymentToken {
			return false, nil
		}
	}
	m.store[p.ID] = clonePayment(p)
	return true, nil
}

func (m *MockPaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepo) FindByIDAndEmail(ctx context.Context, tx repository.Tx, id, email string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok || p.UserID == nil || m.emails[*p.UserID] != email {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepo) FindByToken(ctx context.Context, tx repository.Tx, processor model.Processor, token string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.Processor == processor && p.PaymentToken == token {
			return clonePayment(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPaymentRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Payment
	for _, p := range m.store {
		if p.OwnedBy(userID) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingOlderThan pages like the SQL: ordered by (created_at, id) and
// cut to limit.
func (m *MockPaymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, after repository.PendingCursor, limit int) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	afterCursor := func(p *model.Payment) bool {
		if !p.CreatedAt.Equal(after.CreatedAt) {
			return p.CreatedAt.After(after.CreatedAt)
		}
		return p.ID > after.ID
	}
	var out []*model.Payment
	for _, p := range m.store {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(olderThan) && afterCursor(p) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentRepo) TransitionStatus(ctx context.Context, tx repository.Tx, id string, from, to model.PaymentStatus, upd repository.PaymentUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok || p.Status != from {
		return false, nil
	}
	if !from.CanTransitionTo(to) {
		return false, domain.ErrInvalidTransition
	}
	p.Status = to
	if upd.PaymentToken != nil {
		p.PaymentToken = *upd.PaymentToken
	}
	if upd.RefundToken != nil {
		p.RefundToken = *upd.RefundToken
	}
	if upd.Comments != nil {
		p.Comments = *upd.Comments
	}
	if upd.PaymentData != nil {
		p.PaymentData = upd.PaymentData
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockPaymentRepo) AppendComment(ctx context.Context, tx repository.Tx, id, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Comments != "" {
		p.Comments += "\n"
	}
	p.Comments += comment
	return nil
}

// put stores p as-is, bypassing transition checks.
func (m *MockPaymentRepo) put(p *model.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[p.ID] = clonePayment(p)
}

func (m *MockPaymentRepo) get(id string) *model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.store[id]; ok {
		return clonePayment(p)
	}
	return nil
}

func (m *MockPaymentRepo) all() []*model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Payment, 0, len(m.store))
	for _, p := range m.store {
		out = append(out, clonePayment(p))
	}
	return out
}

// ---- In-memory PlanRepository ----

type MockPlanRepo struct {
	mu    sync.Mutex
	store map[string]*model.Plan
}

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func NewMockPlanRepo(plans ...*model.Plan) *MockPlanRepo {
	m := &MockPlanRepo{store: make(map[string]*model.Plan)}
	for _, p := range plans {
		m.store[p.CodeName] = p
	}
	return m
}

func (m *MockPlanRepo) Upsert(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *plan
	m.store[plan.CodeName] = &cp
	return nil
}

func (m *MockPlanRepo) FindByCode(ctx context.Context, tx repository.Tx, codeName string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[codeName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockPlanRepo) FindByProcessorKey(ctx context.Context, tx repository.Tx, processor model.Processor, key string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.ProcessorKey(processor) == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Plan
	for _, p := range m.store {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CodeName < out[j].CodeName })
	return out, nil
}

func (m *MockPlanRepo) Delete(ctx context.Context, tx repository.Tx, codeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, codeName)
	return nil
}

// ---- In-memory EntitlementRepository ----

type MockEntitlementRepo struct {
	mu    sync.Mutex
	store map[string]*model.Entitlement
	saves int
}

var _ repository.EntitlementRepository = (*MockEntitlementRepo)(nil)

func NewMockEntitlementRepo(users ...*model.Entitlement) *MockEntitlementRepo {
	m := &MockEntitlementRepo{store: make(map[string]*model.Entitlement)}
	for _, u := range users {
		m.store[u.UserID] = cloneEntitlement(u)
	}
	return m
}

func cloneEntitlement(e *model.Entitlement) *model.Entitlement {
	cp := *e
	if e.NextBillingDate != nil {
		d := *e.NextBillingDate
		cp.NextBillingDate = &d
	}
	return &cp
}

func (m *MockEntitlementRepo) FindByUserID(ctx context.Context, tx repository.Tx, userID string) (*model.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEntitlement(e), nil
}

// Save mirrors the version compare-and-swap of the database repository.
func (m *MockEntitlementRepo) Save(ctx context.Context, tx repository.Tx, e *model.Entitlement) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[e.UserID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != e.Version {
		return domain.ErrConcurrentUpdate
	}
	e.Version++
	m.store[e.UserID] = cloneEntitlement(e)
	m.saves++
	return nil
}

func (m *MockEntitlementRepo) ListDueOn(ctx context.Context, tx repository.Tx, day time.Time) ([]*model.Entitlement, error) {
	return m.filter(func(e *model.Entitlement) bool { return e.IsPlanActive && e.DueOn(day) }), nil
}

func (m *MockEntitlementRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time) ([]*model.Entitlement, error) {
	return m.filter(func(e *model.Entitlement) bool { return e.Expired(now) }), nil
}

func (m *MockEntitlementRepo) ListActiveWithoutBillingDate(ctx context.Context, tx repository.Tx) ([]*model.Entitlement, error) {
	return m.filter(func(e *model.Entitlement) bool { return e.IsPlanActive && e.NextBillingDate == nil }), nil
}

func (m *MockEntitlementRepo) filter(pred func(*model.Entitlement) bool) []*model.Entitlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range m.store {
		if pred(e) {
			out = append(out, cloneEntitlement(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// put stores e without validation, for seeding inconsistent rows.
func (m *MockEntitlementRepo) put(e *model.Entitlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[e.UserID] = cloneEntitlement(e)
}

func (m *MockEntitlementRepo) get(userID string) *model.Entitlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.store[userID]; ok {
		return cloneEntitlement(e)
	}
	return nil
}

// ---- Tx manager ----

type MockTxManager struct {
	mu         sync.Mutex
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx serializes transactions so in-memory tests see the same isolation
// the row locks give in Postgres.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, mockTx{})
}

// mockTx marks calls made inside a transaction.
type mockTx struct{}

// ---- Mailer ----

type sentEmail struct {
	To       []string
	Subject  string
	Template string
	Data     map[string]any
}

type MockMailer struct {
	mu   sync.Mutex
	Sent []sentEmail
	Err  error
}

var _ adapter.Mailer = (*MockMailer)(nil)

func (m *MockMailer) SendEmail(ctx context.Context, recipients []string, subject, template string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, sentEmail{To: recipients, Subject: subject, Template: template, Data: data})
	return nil
}

func (m *MockMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// ---- Limiter ----

type MockLimiter struct {
	Allowed bool
	Err     error
	calls   int
}

func (m *MockLimiter) AllowCheckout(ctx context.Context, ip, userAgent string) (bool, error) {
	m.calls++
	return m.Allowed, m.Err
}

// ---- Processors ----

type testProcessors struct {
	registry *payment.Registry
	stripe   *payment.NoopProcessor
	square   *payment.NoopProcessor
	paypal   *payment.NoopProcessor
	coinbase *payment.NoopProcessor
}

// newTestProcessors registers a noop processor per processor behind the real
// registry and breakers.
func newTestProcessors() *testProcessors {
	logger := zerolog.Nop()
	tp := &testProcessors{
		registry: payment.NewRegistry(),
		stripe:   payment.NewNoopProcessor(model.ProcessorStripe),
		square:   payment.NewNoopProcessor(model.ProcessorSquare),
		paypal:   payment.NewNoopProcessor(model.ProcessorPayPal),
		coinbase: payment.NewNoopProcessor(model.ProcessorCoinbase),
	}
	bs := payment.BreakerSettings{ConsecutiveFailures: 100, OpenTimeout: time.Minute}
	for _, p := range []*payment.NoopProcessor{tp.stripe, tp.square, tp.paypal, tp.coinbase} {
		tp.registry.Register(p, bs, &logger)
	}
	return tp
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func datePtr(t time.Time) *time.Time { return &t }

const (
	testUserID = "user-1"
	testEmail  = "buyer@example.com"
)

// fixture wires every use case over the in-memory repositories and noop
// processors.
type fixture struct {
	payments *MockPaymentRepo
	plans    *MockPlanRepo
	users    *MockEntitlementRepo
	tm       *MockTxManager
	procs    *testProcessors
	mailer   *MockMailer
	limiter  *MockLimiter

	ent     usecase.EntitlementUseCase
	pay     usecase.PaymentUseCase
	hooks   usecase.WebhookUseCase
	cycle   usecase.BillingCycleUseCase
	catalog usecase.PlanUseCase
}

func newFixture(plans ...*model.Plan) *fixture {
	f := &fixture{
		payments: NewMockPaymentRepo(),
		plans:    NewMockPlanRepo(plans...),
		users:    NewMockEntitlementRepo(&model.Entitlement{UserID: testUserID, Email: testEmail}),
		tm:       NewMockTxManager(),
		procs:    newTestProcessors(),
		mailer:   &MockMailer{},
		limiter:  &MockLimiter{Allowed: true},
	}
	f.payments.emails[testUserID] = testEmail
	logger := newTestLogger()

	f.ent = usecase.NewEntitlementUseCase(f.users, f.tm, logger)
	notifier := usecase.NewNotificationUseCase(f.mailer, nil, usecase.ReceiptSettings{Currency: "USD"}, logger)
	f.pay = usecase.NewPaymentUseCase(f.payments, f.plans, f.users, f.ent, f.procs.registry, f.tm, f.limiter, notifier,
		usecase.PaymentSettings{Currency: "USD"}, logger)
	f.hooks = usecase.NewWebhookUseCase(f.payments, f.plans, f.ent, f.procs.registry, f.tm, logger)
	f.cycle = usecase.NewBillingCycleUseCase(f.payments, f.plans, f.users, f.ent, f.procs.registry, f.tm, notifier, 2, "USD", logger)
	f.catalog = usecase.NewPlanUseCase(f.plans, f.procs.registry, f.tm, logger)
	return f
}

func mustPlan(code string, price, credits int64, days int) *model.Plan {
	p, err := model.NewPlan(code, price, credits, days)
	if err != nil {
		panic(err)
	}
	return p
}

func subscriptionPlan(code string, price, credits int64, paypalKey string) *model.Plan {
	p := mustPlan(code, price, credits, 0)
	p.IsSubscription = true
	p.PayPalPlanKey = paypalKey
	return p
}

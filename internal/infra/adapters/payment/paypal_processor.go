package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymentProcessor = (*PayPalProcessor)(nil)
	_ adapter.OrderCreator     = (*PayPalProcessor)(nil)
	_ adapter.WebhookHandler   = (*PayPalProcessor)(nil)
	_ adapter.StatusChecker    = (*PayPalProcessor)(nil)
	_ adapter.PlanProvisioner  = (*PayPalProcessor)(nil)
)

type PayPalOptions struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
	Sandbox      bool
	Currency     string
	BrandName    string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// PayPalProcessor talks to the PayPal REST API. Subscriptions are activated
// by webhook; one-time orders are captured synchronously after approval.
type PayPalProcessor struct {
	opts    PayPalOptions
	baseURL string
	client  *http.Client
}

func NewPayPalProcessor(opts PayPalOptions) (*PayPalProcessor, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("paypal client credentials empty")
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api-m.paypal.com"
		if opts.Sandbox {
			base = "https://api-m.sandbox.paypal.com"
		}
	}
	base = strings.TrimRight(base, "/")
	opts.Currency = strings.ToUpper(opts.Currency)

	cc := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, newHTTPClient(opts.Timeout))
	client := cc.Client(tokenCtx)
	client.Timeout = newHTTPClient(opts.Timeout).Timeout

	return &PayPalProcessor{opts: opts, baseURL: base, client: client}, nil
}

func (p *PayPalProcessor) Name() model.Processor { return model.ProcessorPayPal }

func (p *PayPalProcessor) RequiresCustomer() bool { return false }

func (p *PayPalProcessor) call(ctx context.Context, method, path string, body, out any) (json.RawMessage, error) {
	raw, err := doJSON(ctx, p.client, model.ProcessorPayPal, jsonCall{
		method:  method,
		url:     p.baseURL + path,
		headers: map[string]string{"Prefer": "return=representation"},
		body:    body,
	}, out)
	if err != nil {
		return raw, oauthError(err)
	}
	return raw, nil
}

// oauthError treats a failed token fetch as the provider being unavailable.
func oauthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &domain.ProcessorError{
			Processor: string(model.ProcessorPayPal), Kind: domain.ProcessorUnavailable,
			Detail: "oauth token", Err: err,
		}
	}
	return err
}

func (p *PayPalProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	return adapter.CustomerResult{}, unsupported(model.ProcessorPayPal, "create customer")
}

type paypalCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Value string `json:"value"`
	} `json:"amount"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o paypalOrder) completedCapture() (paypalCapture, bool) {
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.Status == "COMPLETED" {
				return c, true
			}
		}
	}
	return paypalCapture{}, false
}

// Charge captures an order the buyer already approved; the nonce is the order id.
func (p *PayPalProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	if req.Method.Nonce == "" {
		return adapter.ChargeResult{}, domain.NewValidationError(domain.KeyMissingNonce)
	}
	var order paypalOrder
	raw, err := p.call(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(req.Method.Nonce)+"/capture", map[string]any{}, &order)
	if err != nil {
		return adapter.ChargeResult{}, err
	}
	capture, ok := order.completedCapture()
	if order.Status != "COMPLETED" || !ok {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorPayPal), Kind: domain.ProcessorDeclined,
			Detail: "order status " + order.Status,
		}
	}
	if req.Amount > 0 && parseAmount(capture.Amount.Value) != req.Amount {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorPayPal), Kind: domain.ProcessorInvalidRequest,
			Detail: fmt.Sprintf("captured %s, expected %s", capture.Amount.Value, formatAmount(req.Amount)),
		}
	}
	return adapter.ChargeResult{ChargeID: order.ID, Raw: raw}, nil
}

func (p *PayPalProcessor) CreateOrder(ctx context.Context, amount int64, description string) (string, error) {
	if amount <= 0 {
		return "", domain.NewValidationError(domain.KeyEmptyAmount)
	}
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"description": description,
			"amount": map[string]any{
				"currency_code": p.opts.Currency,
				"value":         formatAmount(amount),
			},
		}},
	}
	var out struct {
		ID string `json:"id"`
	}
	if _, err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateSubscription returns the approval link; activation arrives by webhook.
func (p *PayPalProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	if plan.PayPalPlanKey == "" {
		return adapter.SubscriptionResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorPayPal), Kind: domain.ProcessorInvalidRequest,
			Code: domain.KeyPlanNotFound, Detail: "plan has no paypal plan id",
		}
	}
	appCtx := map[string]any{"user_action": "SUBSCRIBE_NOW"}
	if p.opts.BrandName != "" {
		appCtx["brand_name"] = p.opts.BrandName
	}
	if p.opts.ReturnURL != "" {
		appCtx["return_url"] = p.opts.ReturnURL
	}
	if p.opts.CancelURL != "" {
		appCtx["cancel_url"] = p.opts.CancelURL
	}
	body := map[string]any{
		"plan_id":             plan.PayPalPlanKey,
		"subscriber":          map[string]any{"email_address": email},
		"application_context": appCtx,
	}
	var out struct {
		ID    string `json:"id"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	raw, err := p.call(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &out)
	if err != nil {
		return adapter.SubscriptionResult{}, err
	}
	res := adapter.SubscriptionResult{SubscriptionID: out.ID, Raw: raw}
	for _, l := range out.Links {
		if l.Rel == "approve" {
			res.RedirectURL = l.Href
			break
		}
	}
	if res.RedirectURL == "" && len(out.Links) > 0 {
		res.RedirectURL = out.Links[0].Href
	}
	return res, nil
}

// Refund resolves the order to its completed capture and refunds it in full.
func (p *PayPalProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	var order paypalOrder
	if _, err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(chargeRef), nil, &order); err != nil {
		return adapter.RefundResult{}, err
	}
	capture, ok := order.completedCapture()
	if !ok {
		return adapter.RefundResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorPayPal), Kind: domain.ProcessorInvalidRequest,
			Detail: "order has no completed capture",
		}
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	raw, err := p.call(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(capture.ID)+"/refund", map[string]any{}, &out)
	if err != nil {
		return adapter.RefundResult{}, err
	}
	return adapter.RefundResult{RefundID: out.ID, Status: out.Status, Raw: raw}, nil
}

// VerifyWebhook asks PayPal to check the transmission signature against our
// webhook id.
func (p *PayPalProcessor) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	fields := map[string]string{
		"auth_algo":         header.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          header.Get("PAYPAL-CERT-URL"),
		"transmission_id":   header.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  header.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": header.Get("PAYPAL-TRANSMISSION-TIME"),
	}
	for k, v := range fields {
		if v == "" {
			return fmt.Errorf("%w: missing %s", domain.ErrInvalidSignature, k)
		}
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not json", domain.ErrInvalidSignature)
	}
	req := map[string]any{"webhook_id": p.opts.WebhookID, "webhook_event": json.RawMessage(body)}
	for k, v := range fields {
		req[k] = v
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := p.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &out); err != nil {
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: verification status %q", domain.ErrInvalidSignature, out.VerificationStatus)
	}
	return nil
}

func (p *PayPalProcessor) ParseWebhook(body []byte) (*adapter.WebhookEvent, error) {
	return parsePayPalEvent(body)
}

// LookupStatus reads a subscription's lifecycle state.
func (p *PayPalProcessor) LookupStatus(ctx context.Context, token string) (model.PaymentStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if _, err := p.call(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(token), nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "ACTIVE":
		return model.PaymentStatusSuccess, nil
	case "CANCELLED", "EXPIRED", "SUSPENDED":
		return model.PaymentStatusFailed, nil
	default:
		return model.PaymentStatusPending, nil
	}
}

// ProvisionPlan creates the catalog product (once) and a fixed-price billing
// plan for a subscription plan.
func (p *PayPalProcessor) ProvisionPlan(ctx context.Context, plan *model.Plan) (string, string, error) {
	if !plan.IsSubscription {
		return plan.PayPalProductKey, plan.PayPalPlanKey, nil
	}
	productKey := plan.PayPalProductKey
	if productKey == "" {
		var prod struct {
			ID string `json:"id"`
		}
		if _, err := p.call(ctx, http.MethodPost, "/v1/catalogs/products", map[string]any{
			"name": plan.CodeName,
			"type": "SERVICE",
		}, &prod); err != nil {
			return "", "", err
		}
		productKey = prod.ID
	}

	unit := "MONTH"
	if plan.YearlySubscription {
		unit = "YEAR"
	}
	body := map[string]any{
		"product_id": productKey,
		"name":       plan.CodeName,
		"status":     "ACTIVE",
		"billing_cycles": []map[string]any{{
			"frequency":    map[string]any{"interval_unit": unit, "interval_count": 1},
			"tenure_type":  "REGULAR",
			"sequence":     1,
			"total_cycles": 0,
			"pricing_scheme": map[string]any{
				"fixed_price": map[string]any{"value": formatAmount(plan.Price), "currency_code": p.opts.Currency},
			},
		}},
		"payment_preferences": map[string]any{
			"auto_bill_outstanding":     true,
			"payment_failure_threshold": 1,
		},
	}
	var out struct {
		ID string `json:"id"`
	}
	if _, err := p.call(ctx, http.MethodPost, "/v1/billing/plans", body, &out); err != nil {
		return productKey, "", err
	}
	return productKey, out.ID, nil
}

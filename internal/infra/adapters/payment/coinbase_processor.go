package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymentProcessor = (*CoinbaseProcessor)(nil)
	_ adapter.WebhookHandler   = (*CoinbaseProcessor)(nil)
	_ adapter.StatusChecker    = (*CoinbaseProcessor)(nil)
)

const (
	coinbaseAPIVersion      = "2018-03-22"
	coinbaseSignatureHeader = "X-CC-Webhook-Signature"
)

type CoinbaseOptions struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Currency      string
	RedirectURL   string
	CancelURL     string
	Timeout       time.Duration
}

// CoinbaseProcessor creates hosted Commerce charges. Settlement only ever
// arrives through webhooks, so there is nothing to charge or refund here.
type CoinbaseProcessor struct {
	opts    CoinbaseOptions
	baseURL string
	client  *http.Client
}

func NewCoinbaseProcessor(opts CoinbaseOptions) (*CoinbaseProcessor, error) {
	if opts.APIKey == "" {
		return nil, errors.New("coinbase api key empty")
	}
	if opts.WebhookSecret == "" {
		return nil, errors.New("coinbase webhook secret empty")
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.commerce.coinbase.com"
	}
	opts.Currency = strings.ToUpper(opts.Currency)
	return &CoinbaseProcessor{
		opts:    opts,
		baseURL: strings.TrimRight(base, "/"),
		client:  newHTTPClient(opts.Timeout),
	}, nil
}

func (c *CoinbaseProcessor) Name() model.Processor { return model.ProcessorCoinbase }

func (c *CoinbaseProcessor) RequiresCustomer() bool { return false }

func (c *CoinbaseProcessor) call(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	return doJSON(ctx, c.client, model.ProcessorCoinbase, jsonCall{
		method: method,
		url:    c.baseURL + path,
		headers: map[string]string{
			"X-CC-Api-Key": c.opts.APIKey,
			"X-CC-Version": coinbaseAPIVersion,
		},
		body: body,
	}, out)
}

func (c *CoinbaseProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	return adapter.CustomerResult{}, unsupported(model.ProcessorCoinbase, "create customer")
}

func (c *CoinbaseProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	return adapter.ChargeResult{}, unsupported(model.ProcessorCoinbase, "charge")
}

func (c *CoinbaseProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	return adapter.RefundResult{}, unsupported(model.ProcessorCoinbase, "refund")
}

type coinbaseCharge struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	HostedURL string `json:"hosted_url"`
	Metadata  struct {
		Custom string `json:"custom"`
	} `json:"metadata"`
	Pricing struct {
		Local struct {
			Amount string `json:"amount"`
		} `json:"local"`
	} `json:"pricing"`
	Timeline []struct {
		Status string `json:"status"`
	} `json:"timeline"`
}

func (ch coinbaseCharge) lastStatus() string {
	if len(ch.Timeline) == 0 {
		return ""
	}
	return ch.Timeline[len(ch.Timeline)-1].Status
}

// CreateSubscription creates a hosted fixed-price charge for the plan. The
// charge code is the payment token webhooks correlate on.
func (c *CoinbaseProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	if plan.Price <= 0 {
		return adapter.SubscriptionResult{}, domain.NewValidationError(domain.KeyEmptyAmount)
	}
	body := map[string]any{
		"name":         plan.CodeName,
		"description":  fmt.Sprintf("%s (%d credits)", plan.CodeName, plan.Credits),
		"pricing_type": "fixed_price",
		"local_price": map[string]any{
			"amount":   formatAmount(plan.Price),
			"currency": c.opts.Currency,
		},
		"metadata": map[string]any{"custom": email, "plan": plan.CodeName},
	}
	if c.opts.RedirectURL != "" {
		body["redirect_url"] = c.opts.RedirectURL
	}
	if c.opts.CancelURL != "" {
		body["cancel_url"] = c.opts.CancelURL
	}
	var out struct {
		Data coinbaseCharge `json:"data"`
	}
	raw, err := c.call(ctx, http.MethodPost, "/charges", body, &out)
	if err != nil {
		return adapter.SubscriptionResult{}, err
	}
	return adapter.SubscriptionResult{
		SubscriptionID: out.Data.Code,
		RedirectURL:    out.Data.HostedURL,
		Raw:            raw,
	}, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body.
func (c *CoinbaseProcessor) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	return verifyCoinbaseSignature(c.opts.WebhookSecret, header.Get(coinbaseSignatureHeader), body)
}

func verifyCoinbaseSignature(secret, signature string, body []byte) error {
	if signature == "" {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidSignature, coinbaseSignatureHeader)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrInvalidSignature)
	}
	return nil
}

func (c *CoinbaseProcessor) ParseWebhook(body []byte) (*adapter.WebhookEvent, error) {
	return parseCoinbaseEvent(body)
}

func (c *CoinbaseProcessor) LookupStatus(ctx context.Context, token string) (model.PaymentStatus, error) {
	var out struct {
		Data coinbaseCharge `json:"data"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/charges/"+url.PathEscape(token), nil, &out); err != nil {
		return "", err
	}
	switch out.Data.lastStatus() {
	case "COMPLETED", "RESOLVED":
		return model.PaymentStatusSuccess, nil
	case "EXPIRED", "CANCELED":
		return model.PaymentStatusFailed, nil
	default:
		return model.PaymentStatusPending, nil
	}
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var _ adapter.PaymentProcessor = (*SquareProcessor)(nil)

const squareAPIVersion = "2024-01-18"

// SquareProcessor stores the card nonce as a card on file for a Square
// customer and charges that card.
type SquareProcessor struct {
	accessToken string
	locationID  string
	currency    string
	baseURL     string
	client      *http.Client
}

func NewSquareProcessor(accessToken, locationID, currency, baseURL string, sandbox bool, timeout time.Duration) (*SquareProcessor, error) {
	if accessToken == "" {
		return nil, errors.New("square access token empty")
	}
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
		if sandbox {
			baseURL = "https://connect.squareupsandbox.com"
		}
	}
	return &SquareProcessor{
		accessToken: accessToken,
		locationID:  locationID,
		currency:    strings.ToUpper(currency),
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      newHTTPClient(timeout),
	}, nil
}

func (s *SquareProcessor) Name() model.Processor { return model.ProcessorSquare }

func (s *SquareProcessor) RequiresCustomer() bool { return true }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareCard struct {
	ID        string `json:"id"`
	CardBrand string `json:"card_brand"`
	Last4     string `json:"last_4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
}

func (c squareCard) details() model.CardDetails {
	d := model.CardDetails{Brand: c.CardBrand, Last4: c.Last4}
	if c.ExpMonth > 0 {
		d.ExpMonth = fmt.Sprint(c.ExpMonth)
	}
	if c.ExpYear > 0 {
		d.ExpYear = fmt.Sprint(c.ExpYear)
	}
	return d
}

func (s *SquareProcessor) call(ctx context.Context, path string, body, out any) (json.RawMessage, error) {
	raw, err := doJSON(ctx, s.client, model.ProcessorSquare, jsonCall{
		method: http.MethodPost,
		url:    s.baseURL + path,
		headers: map[string]string{
			"Authorization":  "Bearer " + s.accessToken,
			"Square-Version": squareAPIVersion,
		},
		body: body,
	}, out)
	if err != nil {
		return raw, squareError(err, raw)
	}
	return raw, nil
}

// CreateCustomer creates the customer and stores the nonce as a card on file.
func (s *SquareProcessor) CreateCustomer(ctx context.Context, email string, method adapter.PaymentMethodRef) (adapter.CustomerResult, error) {
	if method.Nonce == "" {
		return adapter.CustomerResult{}, domain.NewValidationError(domain.KeyMissingNonce)
	}
	var cus struct {
		Customer struct {
			ID string `json:"id"`
		} `json:"customer"`
	}
	if _, err := s.call(ctx, "/v2/customers", map[string]any{
		"idempotency_key": ulid.Make().String(),
		"email_address":   email,
	}, &cus); err != nil {
		return adapter.CustomerResult{}, err
	}

	var card struct {
		Card squareCard `json:"card"`
	}
	raw, err := s.call(ctx, "/v2/cards", map[string]any{
		"idempotency_key": ulid.Make().String(),
		"source_id":       method.Nonce,
		"card":            map[string]any{"customer_id": cus.Customer.ID},
	}, &card)
	if err != nil {
		return adapter.CustomerResult{}, err
	}
	return adapter.CustomerResult{
		CustomerToken: cus.Customer.ID,
		CardToken:     card.Card.ID,
		Card:          card.Card.details(),
		Raw:           raw,
	}, nil
}

func (s *SquareProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	if req.Method.CustomerToken == "" || req.Method.CardToken == "" {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorSquare), Kind: domain.ProcessorInvalidRequest,
			Code: domain.KeyMissingCustomer, Detail: "charge without stored card",
		}
	}
	if req.Amount <= 0 {
		return adapter.ChargeResult{}, domain.NewValidationError(domain.KeyEmptyAmount)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = ulid.Make().String()
	}
	body := map[string]any{
		"idempotency_key": key,
		"source_id":       req.Method.CardToken,
		"customer_id":     req.Method.CustomerToken,
		"amount_money":    squareMoney{Amount: minorUnits(req.Amount), Currency: s.currency},
		"autocomplete":    true,
		"note":            req.Description,
	}
	if s.locationID != "" {
		body["location_id"] = s.locationID
	}
	if req.Email != "" {
		body["buyer_email_address"] = req.Email
	}

	var out struct {
		Payment struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			CardDetails struct {
				Card squareCard `json:"card"`
			} `json:"card_details"`
		} `json:"payment"`
	}
	raw, err := s.call(ctx, "/v2/payments", body, &out)
	if err != nil {
		return adapter.ChargeResult{}, err
	}
	if st := out.Payment.Status; st != "COMPLETED" && st != "APPROVED" {
		return adapter.ChargeResult{}, &domain.ProcessorError{
			Processor: string(model.ProcessorSquare), Kind: domain.ProcessorDeclined,
			Detail: "payment status " + st,
		}
	}
	return adapter.ChargeResult{
		ChargeID:      out.Payment.ID,
		CustomerToken: req.Method.CustomerToken,
		CardToken:     req.Method.CardToken,
		Card:          out.Payment.CardDetails.Card.details(),
		Raw:           raw,
	}, nil
}

func (s *SquareProcessor) CreateSubscription(ctx context.Context, email string, plan *model.Plan) (adapter.SubscriptionResult, error) {
	return adapter.SubscriptionResult{}, unsupported(model.ProcessorSquare, "create subscription")
}

func (s *SquareProcessor) Refund(ctx context.Context, chargeRef string, amount int64) (adapter.RefundResult, error) {
	var out struct {
		Refund struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"refund"`
	}
	raw, err := s.call(ctx, "/v2/refunds", map[string]any{
		"idempotency_key": ulid.Make().String(),
		"payment_id":      chargeRef,
		"amount_money":    squareMoney{Amount: minorUnits(amount), Currency: s.currency},
	}, &out)
	if err != nil {
		return adapter.RefundResult{}, err
	}
	return adapter.RefundResult{RefundID: out.Refund.ID, Status: out.Refund.Status, Raw: raw}, nil
}

// squareError refines a status error with Square's error category.
func squareError(err error, raw []byte) error {
	var pe *domain.ProcessorError
	if !errors.As(err, &pe) || len(raw) == 0 {
		return err
	}
	var body struct {
		Errors []struct {
			Category string `json:"category"`
			Code     string `json:"code"`
			Detail   string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &body) != nil || len(body.Errors) == 0 {
		return err
	}
	first := body.Errors[0]
	pe.Detail = first.Code + ": " + first.Detail
	switch first.Category {
	case "PAYMENT_METHOD_ERROR":
		pe.Kind = domain.ProcessorDeclined
	case "INVALID_REQUEST_ERROR", "AUTHENTICATION_ERROR":
		pe.Kind = domain.ProcessorInvalidRequest
	case "RATE_LIMIT_ERROR", "API_ERROR":
		pe.Kind = domain.ProcessorUnavailable
	}
	return pe
}

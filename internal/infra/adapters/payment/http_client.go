package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
)

const maxResponseBody = 1 << 20

// newHTTPClient returns a traced client. The per-call deadline comes from
// the context; the client timeout is only a backstop.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// jsonCall describes one REST round trip.
type jsonCall struct {
	method  string
	url     string
	headers map[string]string
	body    any
}

// doJSON performs the call and decodes a 2xx body into out. Non-2xx
// responses become *domain.ProcessorError classified by status code.
func doJSON(ctx context.Context, client *http.Client, proc model.Processor, call jsonCall, out any) (json.RawMessage, error) {
	var reader io.Reader
	if call.body != nil {
		b, err := json.Marshal(call.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", proc, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", proc, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(proc, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(proc, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, statusError(proc, resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &domain.ProcessorError{
				Processor: string(proc), Kind: domain.ProcessorUnavailable,
				Detail: "unreadable response", Err: err,
			}
		}
	}
	return raw, nil
}

func transportError(proc model.Processor, err error) error {
	kind := domain.ProcessorUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.ProcessorTimeout
	}
	return &domain.ProcessorError{Processor: string(proc), Kind: kind, Err: err}
}

// statusError maps an HTTP failure to a processor error kind. 402 and 422
// carry a decline. 408 and 504 leave the outcome unknown. Other 5xx and 429
// mean try later, and the remaining 4xx are our fault.
func statusError(proc model.Processor, status int, body []byte) error {
	pe := &domain.ProcessorError{
		Processor: string(proc),
		Detail:    fmt.Sprintf("http %d: %s", status, truncate(string(body), 300)),
	}
	switch {
	case status == http.StatusPaymentRequired || status == http.StatusUnprocessableEntity:
		pe.Kind = domain.ProcessorDeclined
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		pe.Kind = domain.ProcessorTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		pe.Kind = domain.ProcessorUnavailable
	default:
		pe.Kind = domain.ProcessorInvalidRequest
	}
	return pe
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// minorUnits converts whole currency units to cents.
func minorUnits(amount int64) int64 {
	return decimal.NewFromInt(amount).Shift(2).IntPart()
}

// formatAmount renders whole units as a two-decimal string ("20.00").
func formatAmount(amount int64) string {
	return decimal.NewFromInt(amount).StringFixed(2)
}

// parseAmount reads a decimal amount string into whole units, rounding half up.
func parseAmount(s string) int64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return d.Round(0).IntPart()
}

func unsupported(proc model.Processor, op string) error {
	return fmt.Errorf("%s %s: %w", proc, op, domain.ErrUnsupportedOperation)
}

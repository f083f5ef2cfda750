//go:build !integration

package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

// slowProcessor blocks until the context is done.
type slowProcessor struct {
	*NoopProcessor
}

func (s slowProcessor) Charge(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	<-ctx.Done()
	return adapter.ChargeResult{}, ctx.Err()
}

func TestGuardedProcessor(t *testing.T) {
	logger := zerolog.Nop()
	ctx := context.Background()
	charge := adapter.ChargeRequest{Amount: 20, Method: adapter.PaymentMethodRef{CustomerToken: "cus", CardToken: "card"}}

	t.Run("opens after consecutive provider failures", func(t *testing.T) {
		inner := NewNoopProcessor(model.ProcessorStripe)
		g := NewGuardedProcessor(inner, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, &logger)

		for i := 0; i < 2; i++ {
			inner.FailNext(domain.ProcessorUnavailable)
			_, err := g.Charge(ctx, charge)
			require.Error(t, err)
		}

		_, err := g.Charge(ctx, charge)
		var pe *domain.ProcessorError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, domain.ProcessorUnavailable, pe.Kind)
		assert.Equal(t, "circuit open", pe.Detail)
	})

	t.Run("declines do not trip the breaker", func(t *testing.T) {
		inner := NewNoopProcessor(model.ProcessorSquare)
		g := NewGuardedProcessor(inner, BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute}, &logger)

		inner.FailNext(domain.ProcessorDeclined)
		_, err := g.Charge(ctx, charge)
		require.Error(t, err)

		_, err = g.Charge(ctx, charge)
		require.NoError(t, err)
	})

	t.Run("deadline becomes an ambiguous timeout", func(t *testing.T) {
		inner := slowProcessor{NewNoopProcessor(model.ProcessorStripe)}
		g := NewGuardedProcessor(inner, BreakerSettings{CallTimeout: 20 * time.Millisecond}, &logger)

		_, err := g.Charge(ctx, charge)
		assert.True(t, domain.IsAmbiguous(err), "expected timeout, got %v", err)
	})

	t.Run("open breaker still accepts signed webhooks", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		inner, err := NewCoinbaseProcessor(CoinbaseOptions{APIKey: "cb-key", WebhookSecret: "whsec", BaseURL: srv.URL})
		require.NoError(t, err)
		g := NewGuardedProcessor(inner, BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute}, &logger)

		_, err = g.LookupStatus(ctx, "ABC123")
		require.Error(t, err)
		_, err = g.LookupStatus(ctx, "ABC123")
		var pe *domain.ProcessorError
		require.True(t, errors.As(err, &pe))
		require.Equal(t, "circuit open", pe.Detail)

		body := []byte(`{"event":{"type":"charge:confirmed","data":{"code":"ABC123","name":"pro"}}}`)
		mac := hmac.New(sha256.New, []byte("whsec"))
		mac.Write(body)
		h := http.Header{}
		h.Set(coinbaseSignatureHeader, hex.EncodeToString(mac.Sum(nil)))
		assert.NoError(t, g.VerifyWebhook(ctx, h, body))

		ev, err := g.ParseWebhook(body)
		require.NoError(t, err)
		assert.Equal(t, adapter.WebhookActivation, ev.Kind)
	})

	t.Run("optional capability missing", func(t *testing.T) {
		g := NewGuardedProcessor(&StripeProcessor{}, BreakerSettings{}, &logger)
		_, err := g.LookupStatus(ctx, "x")
		assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
	})
}

func TestRegistry(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("dev mode fills every processor", func(t *testing.T) {
		cfg := &config.Config{Runtime: config.RuntimeConfig{Dev: true}}
		r, err := BuildRegistry(cfg, &logger)
		require.NoError(t, err)
		assert.Equal(t, model.Processors(), r.Configured())

		_, ok := r.WebhookHandler(model.ProcessorPayPal)
		assert.True(t, ok)
		_, ok = r.WebhookHandler(model.ProcessorStripe)
		assert.False(t, ok, "card processors are not webhook driven")
	})

	t.Run("capabilities follow the raw adapter", func(t *testing.T) {
		cfg := &config.Config{
			Billing: config.BillingConfig{Currency: "USD"},
			Stripe:  config.StripeConfig{SecretKey: "sk_test"},
			Coinbase: config.CoinbaseConfig{
				APIKey: "k", WebhookSecret: "s",
			},
		}
		r, err := BuildRegistry(cfg, &logger)
		require.NoError(t, err)

		_, err = r.Get(model.ProcessorStripe)
		require.NoError(t, err)
		_, err = r.Get(model.ProcessorPayPal)
		assert.Equal(t, []string{domain.KeyInvalidProcessor}, domain.ErrorKeys(err))

		_, ok := r.StatusChecker(model.ProcessorStripe)
		assert.False(t, ok)
		_, ok = r.StatusChecker(model.ProcessorCoinbase)
		assert.True(t, ok)
		_, ok = r.OrderCreator(model.ProcessorCoinbase)
		assert.False(t, ok)
		_, ok = r.PlanProvisioner(model.ProcessorCoinbase)
		assert.False(t, ok)
	})
}

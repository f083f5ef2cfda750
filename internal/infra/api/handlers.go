package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/usecase"
)

type errorResponse struct {
	Errors []string `json:"errors"`
}

type paymentView struct {
	ID          string    `json:"id"`
	Processor   string    `json:"processor"`
	Plan        string    `json:"plan"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	CardBrand   string    `json:"card_brand,omitempty"`
	CardLast4   string    `json:"card_last4,omitempty"`
	RefundToken string    `json:"refund_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPaymentView(p *model.Payment) paymentView {
	return paymentView{
		ID:          p.ID,
		Processor:   string(p.Processor),
		Plan:        p.PlanCode,
		Amount:      p.Amount,
		Status:      string(p.Status),
		CardBrand:   p.Card.Brand,
		CardLast4:   p.Card.Last4,
		RefundToken: p.RefundToken,
		CreatedAt:   p.CreatedAt,
	}
}

type entitlementView struct {
	Credits         int64      `json:"credits"`
	IsPlanActive    bool       `json:"is_plan_active"`
	Plan            string     `json:"plan_subscribed,omitempty"`
	NextBillingDate *time.Time `json:"next_billing_date"`
	Processor       string     `json:"processor,omitempty"`
}

func toEntitlementView(e *model.Entitlement) entitlementView {
	return entitlementView{
		Credits:         e.Credits,
		IsPlanActive:    e.IsPlanActive,
		Plan:            e.PlanSubscribed,
		NextBillingDate: e.NextBillingDate,
		Processor:       string(e.Processor),
	}
}

type planView struct {
	Code           string `json:"code"`
	Price          int64  `json:"price"`
	LabelPrice     *int64 `json:"label_price,omitempty"`
	Credits        int64  `json:"credits"`
	Days           int    `json:"days"`
	IsSubscription bool   `json:"is_subscription"`
	IsAPIPlan      bool   `json:"is_api_plan"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its user-facing keys. Unknown failures are logged
// and reported as internal errors.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	keys := domain.ErrorKeys(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case len(keys) == 1 && keys[0] == domain.KeyInternal:
		status = http.StatusInternalServerError
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Errors: keys})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.opts.Health {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": code == http.StatusOK, "checks": status})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "processor")
	l := logging.With(r.Context(), s.log)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		l.Warn().Err(err).Str("processor", name).Msg("webhook body unreadable")
		writeJSON(w, http.StatusOK, map[string]bool{"status": true})
		return
	}
	proc, err := model.ParseProcessor(name)
	if err != nil {
		l.Warn().Str("processor", name).Msg("webhook for unknown processor")
		writeJSON(w, http.StatusOK, map[string]bool{"status": true})
		return
	}
	outcome := s.hookUC.Handle(r.Context(), proc, r.Header, body)
	l.Debug().Str("processor", name).Str("outcome", string(outcome)).Msg("webhook handled")
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.planUC.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, planView{
			Code: p.CodeName, Price: p.Price, LabelPrice: p.LabelPrice, Credits: p.Credits,
			Days: p.CycleDays(), IsSubscription: p.IsSubscription, IsAPIPlan: p.IsAPIPlan,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

type checkoutRequest struct {
	Plan      string `json:"plan"`
	Processor string `json:"processor"`
	Nonce     string `json:"nonce"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: []string{"invalid_body"}})
		return
	}
	p, err := s.payUC.Checkout(r.Context(), usecase.CheckoutInput{
		UserID:    userID(r.Context()),
		PlanCode:  req.Plan,
		Processor: req.Processor,
		Nonce:     req.Nonce,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": toPaymentView(p)})
}

type orderRequest struct {
	Plan      string `json:"plan"`
	Processor string `json:"processor"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: []string{"invalid_body"}})
		return
	}
	if req.Processor == "" {
		req.Processor = string(model.ProcessorPayPal)
	}
	res, err := s.payUC.CreateOrderOrSubscription(r.Context(), userID(r.Context()), req.Plan, req.Processor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refundRequest struct {
	PaymentID string `json:"payment_uuid"`
	Email     string `json:"email"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: []string{"invalid_body"}})
		return
	}
	p, err := s.payUC.Refund(r.Context(), req.PaymentID, req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": toPaymentView(p)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, err := s.entUC.Cancel(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlement": toEntitlementView(e)})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := s.payUC.ListForUser(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]paymentView, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	e, err := s.entUC.Get(r.Context(), userID(r.Context()))
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Errors: []string{domain.KeyUserNotFound}})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlement": toEntitlementView(e)})
}

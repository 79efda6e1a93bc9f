// Package billing exposes the billing engine over HTTP: the provider webhook
// endpoint plus a small JSON API for access checks and subscription
// management.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/access"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/gateway"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/paymentmethod"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// maxWebhookBody caps webhook request bodies; Stripe payloads are far
// smaller.
const maxWebhookBody = 1 << 20

// paymentCountWindow is the trailing window for the payment counters on the
// events endpoint.
const paymentCountWindow = 30 * 24 * time.Hour

// Service wires the billing HTTP surface.
type Service struct {
	gw       *gateway.Gateway
	engine   *billing.Engine
	subs     billing.Store
	events   ledger.Store
	checker  *access.Checker
	registry *paymentmethod.Registry
	catalog  *billing.Catalog
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates the billing HTTP service. Panics on nil required
// dependencies.
func NewService(
	gw *gateway.Gateway,
	engine *billing.Engine,
	subs billing.Store,
	events ledger.Store,
	checker *access.Checker,
	registry *paymentmethod.Registry,
	catalog *billing.Catalog,
	opts ...Option,
) *Service {
	if gw == nil {
		panic("billing service: gateway is required")
	}
	if engine == nil {
		panic("billing service: engine is required")
	}
	if subs == nil {
		panic("billing service: subscription store is required")
	}
	if events == nil {
		panic("billing service: ledger store is required")
	}
	if checker == nil {
		panic("billing service: access checker is required")
	}
	if registry == nil {
		panic("billing service: payment method registry is required")
	}
	if catalog == nil {
		panic("billing service: plan catalog is required")
	}

	s := &Service{
		gw:       gw,
		engine:   engine,
		subs:     subs,
		events:   events,
		checker:  checker,
		registry: registry,
		catalog:  catalog,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the service router, mountable under any prefix.
func (s *Service) Handle() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhook", s.handleWebhook)
	r.Get("/plans", s.handleListPlans)
	r.Get("/stats", s.handleStats)

	r.Route("/access/{userID}", func(r chi.Router) {
		r.Get("/", s.handleAccess)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", s.handleCreateSubscription)
		r.Get("/{userID}", s.handleGetSubscription)
		r.Delete("/{userID}", s.handleCancelSubscription)
		r.Get("/{userID}/events", s.handleListEvents)
		r.Get("/{userID}/payment-methods", s.handleListPaymentMethods)
	})

	return r
}

// handleWebhook receives provider deliveries. Only an unverifiable payload
// produces a non-2xx response; everything else is acknowledged so the
// provider does not redeliver events whose outcome is already ledgered.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	if err := s.gw.Receive(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, provider.ErrInvalidPayload) {
			s.writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Service) handleAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}

	hasAccess, err := s.checker.HasAccess(r.Context(), userID)
	if err != nil {
		s.serverError(w, r, "access check failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"has_access": hasAccess})
}

// subscriptionResponse is the JSON shape returned for a subscription.
type subscriptionResponse struct {
	billing.Subscription
	HasAccess          bool `json:"has_access"`
	TrialDaysRemaining int  `json:"trial_days_remaining"`
}

func (s *Service) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := s.checker.Current(r.Context(), userID)
	if errors.Is(err, billing.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if err != nil {
		s.serverError(w, r, "subscription lookup failed", err)
		return
	}

	hasAccess, err := s.checker.HasAccess(r.Context(), userID)
	if err != nil {
		s.serverError(w, r, "access check failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, subscriptionResponse{
		Subscription:       sub,
		HasAccess:          hasAccess,
		TrialDaysRemaining: sub.TrialDaysRemainingAt(timeNow()),
	})
}

type createSubscriptionRequest struct {
	UserID uuid.UUID `json:"user_id"`
	PlanID string    `json:"plan_id"`
}

// handleCreateSubscription starts a local trial for a user, the signup flow.
func (s *Service) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	plan, err := s.catalog.Get(req.PlanID)
	if errors.Is(err, billing.ErrPlanNotFound) {
		s.writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	if err != nil {
		s.serverError(w, r, "plan lookup failed", err)
		return
	}

	sub, err := s.engine.CreateFromSignup(r.Context(), req.UserID, plan)
	if err != nil && !errors.Is(err, billing.ErrSideEffects) {
		s.serverError(w, r, "subscription creation failed", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := s.checker.Current(r.Context(), userID)
	if errors.Is(err, billing.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if err != nil {
		s.serverError(w, r, "subscription lookup failed", err)
		return
	}

	canceled, err := s.engine.CancelManually(r.Context(), sub.ID, "user requested")
	if err != nil && !errors.Is(err, billing.ErrSideEffects) {
		s.serverError(w, r, "cancellation failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, canceled)
}

// handleListEvents returns the audit trail for a user's current
// subscription, newest last.
func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := s.checker.Current(r.Context(), userID)
	if errors.Is(err, billing.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if err != nil {
		s.serverError(w, r, "subscription lookup failed", err)
		return
	}

	var filter ledger.Filter
	if r.URL.Query().Get("failed") == "true" {
		filter.FailedOnly = true
	}

	events, err := s.events.Query(r.Context(), sub.ID, filter)
	if err != nil {
		s.serverError(w, r, "event query failed", err)
		return
	}

	now := timeNow()
	paymentEvents, err := ledger.PaymentEventCount(r.Context(), s.events, sub.ID, paymentCountWindow, now)
	if err != nil {
		s.serverError(w, r, "payment event count failed", err)
		return
	}
	failedPayments, err := ledger.FailedPaymentCount(r.Context(), s.events, sub.ID, paymentCountWindow, now)
	if err != nil {
		s.serverError(w, r, "failed payment count failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":              events,
		"payment_events_30d":  paymentEvents,
		"failed_payments_30d": failedPayments,
	})
}

func (s *Service) handleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userIDParam(w, r)
	if !ok {
		return
	}

	methods, err := s.registry.List(r.Context(), userID)
	if err != nil {
		s.serverError(w, r, "payment method lookup failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
}

func (s *Service) handleListPlans(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": s.catalog.List()})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.subs.Stats(r.Context())
	if err != nil {
		s.serverError(w, r, "stats query failed", err)
		return
	}

	if err := s.fillRevenue(r.Context(), &stats); err != nil {
		s.serverError(w, r, "revenue aggregation failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// fillRevenue aggregates recurring revenue from the access family by plan
// interval. Past-due subscriptions are excluded: their next charge is in
// doubt.
func (s *Service) fillRevenue(ctx context.Context, stats *billing.Stats) error {
	subs, err := s.subs.ListAccessFamily(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.Status == billing.StatusPastDue {
			continue
		}
		plan, err := s.catalog.Get(sub.PlanID)
		if err != nil {
			continue
		}
		switch plan.Interval {
		case billing.IntervalMonthly:
			stats.MonthlyRevenue += plan.Amount
		case billing.IntervalAnnual:
			stats.AnnualRevenue += plan.Amount
		}
	}
	return nil
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func (s *Service) userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return userID, true
}

func (s *Service) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.ErrorContext(r.Context(), msg, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

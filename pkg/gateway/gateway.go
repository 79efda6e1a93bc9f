package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/access"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/paymentmethod"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// Gateway receives raw webhook deliveries, verifies them, and routes the
// result through the billing engine.
//
// Receive returns an error ONLY for unverifiable payloads; every verified
// event is acknowledged even when downstream handling fails, because the
// provider's redelivery would hit the same failure while the ledger already
// carries the failure record for operators.
type Gateway struct {
	engine   *billing.Engine
	subs     billing.Store
	events   ledger.Store
	client   provider.Client
	registry *paymentmethod.Registry
	notifier access.Notifier
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithClock overrides the gateway clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a webhook gateway. Panics on nil required dependencies.
func New(
	engine *billing.Engine,
	subs billing.Store,
	events ledger.Store,
	client provider.Client,
	registry *paymentmethod.Registry,
	notifier access.Notifier,
	opts ...Option,
) *Gateway {
	if engine == nil {
		panic("gateway: billing.Engine is required")
	}
	if subs == nil {
		panic("gateway: billing.Store is required")
	}
	if events == nil {
		panic("gateway: ledger.Store is required")
	}
	if client == nil {
		panic("gateway: provider.Client is required")
	}
	if registry == nil {
		panic("gateway: paymentmethod.Registry is required")
	}
	if notifier == nil {
		panic("gateway: access.Notifier is required")
	}

	g := &Gateway{
		engine:   engine,
		subs:     subs,
		events:   events,
		client:   client,
		registry: registry,
		notifier: notifier,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Receive verifies and processes one webhook delivery.
func (g *Gateway) Receive(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := g.client.VerifyEvent(payload, sigHeader)
	if err != nil {
		g.log.WarnContext(ctx, "rejected unverifiable webhook payload", "error", err)
		return provider.ErrInvalidPayload
	}

	category := Categorize(event.Type)
	log := g.log.With("event_id", event.ID, "event_type", event.Type, "category", category.String())

	sub, err := g.resolveSubscription(ctx, event)
	if errors.Is(err, billing.ErrNotFound) {
		// Events for subscriptions this system never tracked are normal:
		// other products share the same provider account.
		log.InfoContext(ctx, "webhook for unknown subscription acknowledged")
		return nil
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to resolve subscription", "error", err)
		return nil
	}

	if err := g.dispatch(ctx, category, event, sub); err != nil {
		g.recordFailure(ctx, sub, event, err)
		log.ErrorContext(ctx, "webhook handling failed", "subscription_id", sub.ID, "error", err)
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, category Category, event provider.Event, sub billing.Subscription) error {
	switch category {
	case CategorySubscription:
		return g.handleSubscription(ctx, event, sub)
	case CategoryPaymentSuccess:
		return g.handlePayment(ctx, event, sub, true)
	case CategoryPaymentFailure:
		return g.handlePayment(ctx, event, sub, false)
	case CategoryTrialWillEnd:
		return g.handleTrialWillEnd(ctx, event, sub)
	case CategoryPaymentMethod:
		return g.handlePaymentMethod(ctx, event, sub)
	case CategoryCustomer:
		return g.handleCustomer(ctx, event, sub)
	}

	// Unknown but verified event type: keep the delivery in the audit trail.
	g.log.InfoContext(ctx, "unhandled provider event type acknowledged",
		"event_id", event.ID, "event_type", event.Type)
	_, _, err := g.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            ledger.TypeUnknownProviderEvent,
		ExternalEventID: event.ID,
		Success:         true,
		Metadata:        map[string]any{"provider_event": event.Type},
		CreatedAt:       g.now(),
	})
	return err
}

func (g *Gateway) handleSubscription(ctx context.Context, event provider.Event, sub billing.Subscription) error {
	if event.State == nil {
		return errors.New("gateway: subscription event without state")
	}

	desired := event.State.Status
	eventType := ledger.TypeSubscriptionUpdated
	if event.Type == "customer.subscription.deleted" {
		desired = billing.StatusCanceled
		eventType = ledger.TypeSubscriptionCanceled
	}

	_, _, err := g.engine.Apply(ctx, billing.ApplyRequest{
		SubscriptionID: sub.ID,
		Desired:        desired,
		Observed:       observedFromState(*event.State),
		SourceEventID:  event.ID,
		EventType:      eventType,
		Metadata:       map[string]any{"provider_event": event.Type},
	})
	return err
}

// handlePayment records the invoice outcome in the ledger and notifies the
// user. An invoice event never moves the subscription on its own: Stripe
// emits a zero-amount invoice.payment_succeeded at trial start, and a failed
// charge does not mean past_due until the provider says so via the
// subscription lifecycle. Status follows subscription events and the
// reconciliation loop.
func (g *Gateway) handlePayment(ctx context.Context, event provider.Event, sub billing.Subscription, succeeded bool) error {
	eventType := ledger.TypeInvoicePaymentSucceeded
	if !succeeded {
		eventType = ledger.TypeInvoicePaymentFailed
	}

	_, inserted, err := g.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            eventType,
		ExternalEventID: event.ID,
		Success:         succeeded,
		Metadata: map[string]any{
			"provider_event": event.Type,
			"amount":         event.Amount,
			"currency":       event.Currency,
		},
		CreatedAt: g.now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Duplicate delivery, already recorded and notified.
		return nil
	}

	if succeeded {
		return g.notifier.PaymentSucceeded(ctx, sub.UserID, event.Amount, event.Currency)
	}
	return g.notifier.PaymentFailed(ctx, sub.UserID)
}

func (g *Gateway) handleTrialWillEnd(ctx context.Context, event provider.Event, sub billing.Subscription) error {
	_, inserted, err := g.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            ledger.TypeTrialExpiringReminder,
		ExternalEventID: event.ID,
		Success:         true,
		Metadata:        map[string]any{"provider_event": event.Type},
		CreatedAt:       g.now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return g.notifier.TrialExpiring(ctx, sub.UserID, sub.TrialDaysRemainingAt(g.now()))
}

func (g *Gateway) handlePaymentMethod(ctx context.Context, event provider.Event, sub billing.Subscription) error {
	switch event.Type {
	case "payment_method.attached", "payment_method.automatically_updated":
		m := paymentmethod.Method{
			UserID:     sub.UserID,
			ExternalID: event.PaymentMethodID,
			Kind:       paymentmethod.KindCard,
		}
		if event.PaymentMethod != nil {
			m.Kind = paymentmethod.Kind(event.PaymentMethod.Kind)
			m.Brand = event.PaymentMethod.Brand
			m.Last4 = event.PaymentMethod.Last4
			m.ExpMonth = event.PaymentMethod.ExpMonth
			m.ExpYear = event.PaymentMethod.ExpYear
		}

		// Attach upserts on the provider's instrument ID, so an
		// automatically_updated delivery refreshes the stored card details.
		_, err := g.registry.Attach(ctx, m)
		return err

	case "payment_method.detached":
		return g.registry.DetachByExternalID(ctx, sub.UserID, event.PaymentMethodID)
	}
	return nil
}

func (g *Gateway) handleCustomer(ctx context.Context, event provider.Event, sub billing.Subscription) error {
	_, _, err := g.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            ledger.TypeCustomerUpdated,
		ExternalEventID: event.ID,
		Success:         true,
		Metadata:        map[string]any{"customer_id": event.CustomerID},
		CreatedAt:       g.now(),
	})
	return err
}

// resolveSubscription finds the local subscription an event refers to, by
// the provider's subscription ID first and the customer ID second.
func (g *Gateway) resolveSubscription(ctx context.Context, event provider.Event) (billing.Subscription, error) {
	if event.SubscriptionID != "" {
		sub, err := g.subs.GetByExternalID(ctx, event.SubscriptionID)
		if err == nil || !errors.Is(err, billing.ErrNotFound) {
			return sub, err
		}
	}
	if event.CustomerID != "" {
		return g.subs.GetByExternalCustomerID(ctx, event.CustomerID)
	}
	return billing.Subscription{}, billing.ErrNotFound
}

// recordFailure writes a failed ledger entry for a verified event whose
// handling errored, so the delivery is auditable even though it was acked.
// The entry is keyed off the provider event ID so a later successful
// redelivery is not blocked by the failure record.
func (g *Gateway) recordFailure(ctx context.Context, sub billing.Subscription, event provider.Event, cause error) {
	if errors.Is(cause, billing.ErrIllegalTransition) {
		// Already recorded by the engine under the event's own ID.
		return
	}

	if _, _, err := g.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            "webhook_handling_failed",
		ExternalEventID: "failed_" + event.ID,
		Success:         false,
		Metadata: map[string]any{
			"provider_event": event.Type,
			"event_id":       event.ID,
			"error":          cause.Error(),
		},
		CreatedAt: g.now(),
	}); err != nil {
		g.log.ErrorContext(ctx, "failed to record webhook failure",
			"event_id", event.ID, "error", err)
	}
}

func observedFromState(state provider.SubscriptionState) billing.ObservedFields {
	o := billing.ObservedFields{}
	if state.Amount > 0 {
		o.Amount = &state.Amount
	}
	if state.Currency != "" {
		o.Currency = &state.Currency
	}
	if !state.CurrentPeriodStart.IsZero() {
		o.CurrentPeriodStart = &state.CurrentPeriodStart
	}
	if !state.CurrentPeriodEnd.IsZero() {
		o.CurrentPeriodEnd = &state.CurrentPeriodEnd
	}
	if !state.TrialStart.IsZero() {
		o.TrialStart = &state.TrialStart
	}
	if !state.TrialEnd.IsZero() {
		o.TrialEnd = &state.TrialEnd
	}
	if !state.CanceledAt.IsZero() {
		o.CanceledAt = &state.CanceledAt
	}
	return o
}

package paymentmethod

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// SubscriptionResolver maps a user to their current subscription ID so
// payment method changes can be attributed in the ledger. A nil UUID with no
// error means the user has no live subscription; the change is then logged
// without a ledger entry.
type SubscriptionResolver interface {
	ResolveSubscriptionID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

// Registry coordinates payment method changes: local tracking plus the
// ledger audit trail. Provider-side attach/detach happens upstream; the
// registry records what the provider confirmed.
type Registry struct {
	store    Store
	events   ledger.Store
	resolver SubscriptionResolver
	log      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry creates a payment method registry. Panics on nil required
// dependencies.
func NewRegistry(store Store, events ledger.Store, resolver SubscriptionResolver, opts ...RegistryOption) *Registry {
	if store == nil {
		panic("paymentmethod: Store is required")
	}
	if events == nil {
		panic("paymentmethod: ledger.Store is required")
	}
	if resolver == nil {
		panic("paymentmethod: SubscriptionResolver is required")
	}

	r := &Registry{
		store:    store,
		events:   events,
		resolver: resolver,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach records a newly attached instrument and makes it the user's default.
// The previous default is cleared in the same commit; there is never more
// than one default per user.
func (r *Registry) Attach(ctx context.Context, m Method) (Method, error) {
	attached, err := r.store.AttachDefault(ctx, m)
	if err != nil {
		return Method{}, err
	}

	r.audit(ctx, attached.UserID, ledger.TypePaymentMethodAttached, map[string]any{
		"external_id": attached.ExternalID,
		"kind":        string(attached.Kind),
		"display":     attached.DisplayName(),
	})
	return attached, nil
}

// Detach removes an instrument. If it was the default, the user is left
// without one until the next attach; nothing is auto-promoted.
func (r *Registry) Detach(ctx context.Context, id uuid.UUID) error {
	m, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.audit(ctx, m.UserID, ledger.TypePaymentMethodDetached, map[string]any{
		"external_id": m.ExternalID,
		"was_default": m.IsDefault,
	})
	return nil
}

// DetachByExternalID removes the instrument matching the provider's ID, used
// when the provider reports a detachment via webhook. Unknown IDs are a
// no-op: the provider may notify about instruments attached before tracking
// started.
func (r *Registry) DetachByExternalID(ctx context.Context, userID uuid.UUID, externalID string) error {
	m, err := r.store.GetByExternalID(ctx, userID, externalID)
	if errors.Is(err, ErrNotFound) {
		r.log.DebugContext(ctx, "detach for untracked payment method ignored",
			"user_id", userID, "external_id", externalID)
		return nil
	}
	if err != nil {
		return err
	}
	return r.Detach(ctx, m.ID)
}

// Default returns the user's default instrument.
func (r *Registry) Default(ctx context.Context, userID uuid.UUID) (Method, error) {
	return r.store.GetDefault(ctx, userID)
}

// List returns the user's instruments ordered by attachment time.
func (r *Registry) List(ctx context.Context, userID uuid.UUID) ([]Method, error) {
	return r.store.ListByUser(ctx, userID)
}

// ListExpiring returns the user's instruments that expire within the warning
// window or have already expired.
func (r *Registry) ListExpiring(ctx context.Context, userID uuid.UUID, now time.Time) ([]Method, error) {
	all, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []Method
	for _, m := range all {
		if m.Expired(now) || m.ExpiresSoon(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

// audit writes a ledger entry for a payment method change when the user has
// a subscription to attribute it to.
func (r *Registry) audit(ctx context.Context, userID uuid.UUID, eventType string, meta map[string]any) {
	subID, err := r.resolver.ResolveSubscriptionID(ctx, userID)
	if err != nil || subID == uuid.Nil {
		r.log.DebugContext(ctx, "payment method change without subscription, skipping ledger entry",
			"user_id", userID, "event_type", eventType)
		return
	}

	now := time.Now().UTC()
	if _, _, err := r.events.Record(ctx, ledger.Event{
		SubscriptionID:  subID,
		Type:            eventType,
		ExternalEventID: ledger.SyntheticID(eventType, subID, now),
		Success:         true,
		Metadata:        meta,
		CreatedAt:       now,
	}); err != nil {
		r.log.ErrorContext(ctx, "failed to record payment method change",
			"user_id", userID, "event_type", eventType, "error", err)
	}
}

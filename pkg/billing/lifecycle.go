package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// CreateFromSignup provisions a trialing subscription for a user who just
// signed up, before any provider checkout has happened. The trial window is
// tracked locally; the subscription is linked to the provider later when the
// first checkout completes.
//
// A user keeps at most one live subscription: an existing non-canceled one is
// canceled first, so re-signup supersedes rather than duplicates.
func (e *Engine) CreateFromSignup(ctx context.Context, userID uuid.UUID, plan Plan) (Subscription, error) {
	if userID == uuid.Nil {
		return Subscription{}, fmt.Errorf("%w: user id is required", ErrInvalidSubscription)
	}
	if err := plan.validate(); err != nil {
		return Subscription{}, err
	}

	if err := e.supersedeCurrent(ctx, userID); err != nil {
		return Subscription{}, err
	}

	now := e.now()
	trialEnd := plan.TrialEndsAt(now)
	sub := Subscription{
		ID:         uuid.New(),
		UserID:     userID,
		Status:     StatusTrialing,
		PlanID:     plan.ID,
		Amount:     plan.Amount,
		Currency:   plan.Currency,
		TrialStart: &now,
		TrialEnd:   &trialEnd,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := e.store.Create(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}

	e.recordCreation(ctx, created, ledger.TypeSubscriptionCreated, map[string]any{
		"origin":    "signup",
		"plan_id":   plan.ID,
		"trial_end": trialEnd,
	})

	if err := e.runSideEffects(ctx, created, StatusNone); err != nil {
		return created, err
	}
	return created, nil
}

// CreateFromCheckout provisions an incomplete subscription linked to the
// provider's subscription and customer IDs, awaiting the first payment
// confirmation event to activate it.
func (e *Engine) CreateFromCheckout(ctx context.Context, userID uuid.UUID, externalID, externalCustomerID string, observed ObservedFields) (Subscription, error) {
	if userID == uuid.Nil {
		return Subscription{}, fmt.Errorf("%w: user id is required", ErrInvalidSubscription)
	}
	if externalID == "" {
		return Subscription{}, fmt.Errorf("%w: external subscription id is required", ErrInvalidSubscription)
	}

	if err := e.supersedeCurrent(ctx, userID); err != nil {
		return Subscription{}, err
	}

	now := e.now()
	sub := Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		ExternalID:         externalID,
		ExternalCustomerID: externalCustomerID,
		Status:             StatusIncomplete,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	applyObserved(&sub, observed)

	created, err := e.store.Create(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}

	e.recordCreation(ctx, created, ledger.TypeSubscriptionCreated, map[string]any{
		"origin":      "checkout",
		"external_id": externalID,
	})

	if err := e.runSideEffects(ctx, created, StatusNone); err != nil {
		return created, err
	}
	return created, nil
}

// CancelManually cancels a subscription through an operator or user action
// rather than a provider event. The transition goes through Apply with a
// synthetic source event ID, so it lands in the ledger like everything else.
func (e *Engine) CancelManually(ctx context.Context, id uuid.UUID, reason string) (Subscription, error) {
	meta := map[string]any{"via": "manual"}
	if reason != "" {
		meta["reason"] = reason
	}

	sub, _, err := e.Apply(ctx, ApplyRequest{
		SubscriptionID: id,
		Desired:        StatusCanceled,
		SourceEventID:  ledger.SyntheticID(ledger.TypeSubscriptionCanceled, id, e.now()),
		EventType:      ledger.TypeSubscriptionCanceled,
		Metadata:       meta,
	})
	return sub, err
}

// supersedeCurrent cancels the user's live subscription, if any, before a new
// one is created.
func (e *Engine) supersedeCurrent(ctx context.Context, userID uuid.UUID) error {
	current, err := e.store.GetCurrentByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := e.CancelManually(ctx, current.ID, "superseded by new subscription"); err != nil {
		// Ignore illegal-transition noise from a concurrently canceled row.
		if errors.Is(err, ErrIllegalTransition) {
			return nil
		}
		return err
	}
	return nil
}

// recordCreation writes the creation audit entry. Creation is not a
// transition, so a failure here is logged rather than surfaced: the row
// already exists and the caller should get it back.
func (e *Engine) recordCreation(ctx context.Context, sub Subscription, eventType string, meta map[string]any) {
	if _, _, err := e.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            eventType,
		ExternalEventID: ledger.SyntheticID(eventType, sub.ID, sub.CreatedAt),
		Success:         true,
		Metadata:        transitionMetadata(meta, StatusNone, sub.Status),
		CreatedAt:       sub.CreatedAt,
	}); err != nil {
		e.log.ErrorContext(ctx, "failed to record subscription creation",
			"subscription_id", sub.ID, "error", err)
	}
}

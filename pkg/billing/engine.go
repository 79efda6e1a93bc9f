package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// defaultApplyAttempts bounds the optimistic-concurrency retry loop.
const defaultApplyAttempts = 3

// SideEffects executes access side effects for a committed transition.
// Implementations must tolerate previous == next (observed-field refresh).
type SideEffects interface {
	ApplySideEffects(ctx context.Context, sub Subscription, previous, next Status) error
}

// Engine is the single mutation gate for subscriptions. Both the webhook
// ingestion path and the reconciliation loop converge here, so every status
// change is deduplicated, validated, versioned and ledgered the same way.
type Engine struct {
	store       Store
	events      ledger.Store
	effects     SideEffects
	log         *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMaxAttempts overrides the bounded retry count for version conflicts.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock overrides the engine clock for deterministic tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates the subscription state machine. Panics on nil required
// dependencies to fail fast during initialization.
func NewEngine(store Store, events ledger.Store, effects SideEffects, opts ...EngineOption) *Engine {
	if store == nil {
		panic("billing: Store is required")
	}
	if events == nil {
		panic("billing: ledger.Store is required")
	}
	if effects == nil {
		panic("billing: SideEffects is required")
	}

	e := &Engine{
		store:       store,
		events:      events,
		effects:     effects,
		log:         slog.Default(),
		maxAttempts: defaultApplyAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ObservedFields carries provider-reported values accompanying a transition.
// Nil fields are left untouched: the engine follows the provider's clock and
// never recomputes these locally.
type ObservedFields struct {
	PlanID             *string
	Amount             *int64
	Currency           *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CanceledAt         *time.Time
}

// ApplyRequest describes one logical transition keyed by its source event.
type ApplyRequest struct {
	SubscriptionID uuid.UUID
	Desired        Status
	Observed       ObservedFields
	// SourceEventID is the idempotency key: the provider's event ID for
	// webhook-driven transitions, a synthetic ID for internal ones.
	SourceEventID string
	// EventType tags the ledger entry; derived from Desired when empty.
	EventType string
	Metadata  map[string]any
}

// Apply drives one transition through the state machine:
//
//  1. load the subscription with its version
//  2. short-circuit if the source event is already in the ledger
//  3. validate the transition against the status table
//  4. persist status + observed fields with the ledger entry in one commit,
//     keyed on the loaded version; retry from 1 on conflict, bounded
//  5. run side effects, which therefore execute at most once per source event
//
// The returned bool reports whether a state change was applied; false means
// the event had been seen before and the current subscription is returned
// unchanged.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (Subscription, bool, error) {
	if req.SourceEventID == "" {
		return Subscription{}, false, ErrMissingSourceEvent
	}
	if !req.Desired.Valid() {
		return Subscription{}, false, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Desired)
	}

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		sub, err := e.store.Get(ctx, req.SubscriptionID)
		if err != nil {
			return Subscription{}, false, err
		}

		seen, err := e.events.Exists(ctx, req.SourceEventID)
		if err != nil {
			return Subscription{}, false, err
		}
		if seen {
			// Duplicate delivery: not an error, nothing to do.
			return sub, false, nil
		}

		if !CanTransition(sub.Status, req.Desired) {
			return sub, false, e.rejectIllegal(ctx, sub, req)
		}

		now := e.now()
		updated := sub
		applyObserved(&updated, req.Observed)
		updated.Status = req.Desired
		updated.UpdatedAt = now
		if req.Desired == StatusCanceled && updated.CanceledAt == nil {
			updated.CanceledAt = &now
		}

		entry := ledger.Event{
			SubscriptionID:  sub.ID,
			Type:            e.entryType(req),
			ExternalEventID: req.SourceEventID,
			Success:         true,
			Metadata:        transitionMetadata(req.Metadata, sub.Status, req.Desired),
			CreatedAt:       now,
		}

		persisted, err := e.store.UpdateVersioned(ctx, updated, sub.Version, entry)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Subscription{}, false, err
		}

		if err := e.runSideEffects(ctx, persisted, sub.Status); err != nil {
			return persisted, true, err
		}
		return persisted, true, nil
	}

	return Subscription{}, false, errors.Join(ErrConcurrentModification, lastErr)
}

// rejectIllegal records the rejected transition for audit under the source
// event ID, so redeliveries of the same bad event short-circuit instead of
// being re-evaluated forever.
func (e *Engine) rejectIllegal(ctx context.Context, sub Subscription, req ApplyRequest) error {
	meta := transitionMetadata(req.Metadata, sub.Status, req.Desired)
	if _, _, err := e.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            ledger.TypeIllegalTransition,
		ExternalEventID: req.SourceEventID,
		Success:         false,
		Metadata:        meta,
	}); err != nil {
		e.log.ErrorContext(ctx, "failed to record illegal transition",
			"subscription_id", sub.ID,
			"source_event_id", req.SourceEventID,
			"error", err)
	}

	e.log.WarnContext(ctx, "illegal subscription transition rejected",
		"subscription_id", sub.ID,
		"from", sub.Status,
		"to", req.Desired,
		"source_event_id", req.SourceEventID)

	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sub.Status, req.Desired)
}

func (e *Engine) runSideEffects(ctx context.Context, sub Subscription, previous Status) error {
	err := e.effects.ApplySideEffects(ctx, sub, previous, sub.Status)
	if err == nil {
		return nil
	}

	// The transition is already committed; record the failure so operators
	// see it in audit queries instead of it vanishing into a log stream.
	now := e.now()
	if _, _, rerr := e.events.Record(ctx, ledger.Event{
		SubscriptionID:  sub.ID,
		Type:            "side_effect_failed",
		ExternalEventID: ledger.SyntheticID("side_effect_failed", sub.ID, now),
		Success:         false,
		Metadata: map[string]any{
			"previous_status": string(previous),
			"new_status":      string(sub.Status),
			"error":           err.Error(),
		},
		CreatedAt: now,
	}); rerr != nil {
		e.log.ErrorContext(ctx, "failed to record side effect failure",
			"subscription_id", sub.ID, "error", rerr)
	}

	return errors.Join(ErrSideEffects, err)
}

func (e *Engine) entryType(req ApplyRequest) string {
	if req.EventType != "" {
		return req.EventType
	}
	switch req.Desired {
	case StatusCanceled:
		return ledger.TypeSubscriptionCanceled
	default:
		return ledger.TypeSubscriptionUpdated
	}
}

func applyObserved(sub *Subscription, o ObservedFields) {
	if o.PlanID != nil {
		sub.PlanID = *o.PlanID
	}
	if o.Amount != nil {
		sub.Amount = *o.Amount
	}
	if o.Currency != nil {
		sub.Currency = *o.Currency
	}
	if o.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *o.CurrentPeriodStart
	}
	if o.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *o.CurrentPeriodEnd
	}
	if o.TrialStart != nil {
		sub.TrialStart = o.TrialStart
	}
	if o.TrialEnd != nil {
		sub.TrialEnd = o.TrialEnd
	}
	if o.CanceledAt != nil {
		sub.CanceledAt = o.CanceledAt
	}
}

func transitionMetadata(meta map[string]any, from, to Status) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["previous_status"] = string(from)
	out["new_status"] = string(to)
	return out
}

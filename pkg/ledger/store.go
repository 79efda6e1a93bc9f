package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows Query results. Zero value matches everything.
type Filter struct {
	Types       []string  // restrict to these event types
	Since       time.Time // entries created strictly after this instant
	SuccessOnly bool
	FailedOnly  bool
	Limit       int // 0 means no limit
}

// Store is the append-only ledger contract. Implementations must enforce
// global uniqueness of ExternalEventID and must never mutate recorded entries.
type Store interface {
	// Record appends an event. If an entry with the same ExternalEventID
	// already exists, the existing entry is returned with inserted=false and
	// a nil error - duplicate delivery is not an error condition.
	Record(ctx context.Context, event Event) (stored Event, inserted bool, err error)

	// Exists reports whether an entry with the given external event ID has
	// been recorded. This is the dedup check used by the state machine.
	Exists(ctx context.Context, externalEventID string) (bool, error)

	// Query returns entries for a subscription ordered by creation time
	// ascending, filtered by f.
	Query(ctx context.Context, subscriptionID uuid.UUID, f Filter) ([]Event, error)
}

// validate rejects events that cannot serve as ledger entries.
func validate(event Event) error {
	if event.ExternalEventID == "" {
		return ErrEmptyExternalEventID
	}
	if event.SubscriptionID == uuid.Nil {
		return ErrEmptySubscriptionID
	}
	if event.Type == "" {
		return ErrEmptyEventType
	}
	return nil
}

// FailedPaymentCount counts failed payment entries for a subscription within
// the trailing window. Used by operator audit queries and retry heuristics.
func FailedPaymentCount(ctx context.Context, s Store, subscriptionID uuid.UUID, window time.Duration, now time.Time) (int, error) {
	events, err := s.Query(ctx, subscriptionID, Filter{
		Types: []string{TypePaymentFailed, TypeInvoicePaymentFailed, TypeTrialPaymentFailed},
		Since: now.Add(-window),
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// PaymentEventCount counts all payment-related entries for a subscription
// within the trailing window.
func PaymentEventCount(ctx context.Context, s Store, subscriptionID uuid.UUID, window time.Duration, now time.Time) (int, error) {
	events, err := s.Query(ctx, subscriptionID, Filter{Since: now.Add(-window)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range events {
		if e.IsPaymentEvent() {
			n++
		}
	}
	return n, nil
}

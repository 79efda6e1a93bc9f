package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// Stats aggregates subscription counts and revenue for operator dashboards.
type Stats struct {
	Total          int64 `json:"total"`
	Trialing       int64 `json:"trialing"`
	Active         int64 `json:"active"`
	PastDue        int64 `json:"past_due"`
	Unpaid         int64 `json:"unpaid"`
	Canceled       int64 `json:"canceled"`
	ExpiredTrials  int64 `json:"expired_trials"`
	MonthlyRevenue int64 `json:"monthly_revenue"` // minor units, trialing+active monthly plans
	AnnualRevenue  int64 `json:"annual_revenue"`  // minor units, trialing+active annual plans
}

// Store is the subscription persistence contract.
//
// UpdateVersioned is the only mutating write besides Create, and it commits
// the subscription row together with its justifying ledger entry. That pairing
// is what lets the engine promise "state changed iff the event is in the
// ledger" even when a process dies mid-operation.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (Subscription, error)
	GetByExternalCustomerID(ctx context.Context, externalCustomerID string) (Subscription, error)

	// GetCurrentByUser returns the user's most recent non-canceled
	// subscription, or ErrNotFound.
	GetCurrentByUser(ctx context.Context, userID uuid.UUID) (Subscription, error)

	// Create inserts a new subscription. Returns ErrAlreadyExists when the
	// (user, external id) pair is already present.
	Create(ctx context.Context, sub Subscription) (Subscription, error)

	// UpdateVersioned persists sub if its stored version still equals
	// expectedVersion, atomically appending entry to the ledger, and returns
	// the stored row with the incremented version. Returns ErrVersionConflict
	// when a concurrent writer got there first.
	UpdateVersioned(ctx context.Context, sub Subscription, expectedVersion int64, entry ledger.Event) (Subscription, error)

	// ListAccessFamily returns subscriptions whose status still holds access
	// (trialing, active, past_due); the reconciliation set.
	ListAccessFamily(ctx context.Context) ([]Subscription, error)

	// ListExpiredTrials returns trialing subscriptions whose trial_end has
	// passed without any provider-driven status change.
	ListExpiredTrials(ctx context.Context, now time.Time) ([]Subscription, error)

	// ListTrialsEndingWithin returns trialing subscriptions whose trial_end
	// falls inside (now, now+window].
	ListTrialsEndingWithin(ctx context.Context, now time.Time, window time.Duration) ([]Subscription, error)

	Stats(ctx context.Context) (Stats, error)
}

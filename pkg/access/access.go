package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Granter flips the product access bit for a user. Implementations live in
// the host application (feature flags, account table, entitlement service).
type Granter interface {
	Grant(ctx context.Context, userID uuid.UUID) error
	Revoke(ctx context.Context, userID uuid.UUID) error
}

// Notifier delivers billing notifications to the user. Implementations are
// expected to be best-effort; failures are surfaced but never block a
// committed transition from standing.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, userID uuid.UUID, amount int64, currency string) error
	PaymentFailed(ctx context.Context, userID uuid.UUID) error
	PaymentOverdue(ctx context.Context, userID uuid.UUID) error
	TrialExpiring(ctx context.Context, userID uuid.UUID, daysLeft int) error
	TrialExpired(ctx context.Context, userID uuid.UUID) error
	PaymentMethodRequired(ctx context.Context, userID uuid.UUID) error
}

// Checker answers the product's only billing question: does this user have
// access right now.
type Checker struct {
	subs billing.Store
	now  func() time.Time
}

// NewChecker creates an access checker over the subscription store.
func NewChecker(subs billing.Store) *Checker {
	if subs == nil {
		panic("access: billing.Store is required")
	}
	return &Checker{
		subs: subs,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// HasAccess reports whether the user's current subscription grants access.
// A user without any live subscription has no access.
func (c *Checker) HasAccess(ctx context.Context, userID uuid.UUID) (bool, error) {
	sub, err := c.subs.GetCurrentByUser(ctx, userID)
	if errors.Is(err, billing.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.HasAccessAt(c.now()), nil
}

// Current returns the user's live subscription, or billing.ErrNotFound.
func (c *Checker) Current(ctx context.Context, userID uuid.UUID) (billing.Subscription, error) {
	return c.subs.GetCurrentByUser(ctx, userID)
}

package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a subscription. The set mirrors the
// provider's vocabulary; transitions between statuses are restricted to the
// table in transitions.go.
type Status string

const (
	// StatusNone marks the absence of a previous status, used when a
	// subscription is first created.
	StatusNone Status = ""

	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
)

// Valid reports whether s is a known subscription status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusIncomplete:
		return true
	}
	return false
}

// HoldsAccess reports whether the status belongs to the access family: the
// user is still considered to hold the subscription, as opposed to a fully
// lapsed one.
func (s Status) HoldsAccess() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// Terminal reports whether the status ends the subscription lifecycle.
// Resubscription creates a new subscription, never resurrects a canceled one.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Subscription is the local copy of a provider-managed subscription.
// One per user within the access family; canceled subscriptions are retained
// for audit and never hard-deleted.
type Subscription struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	ExternalID         string     `json:"external_id"`          // provider's subscription ID
	ExternalCustomerID string     `json:"external_customer_id"` // provider's customer ID
	Status             Status     `json:"status"`
	PlanID             string     `json:"plan_id"`
	Amount             int64      `json:"amount"` // minor currency units
	Currency           string     `json:"currency"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	TrialStart         *time.Time `json:"trial_start,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`

	// Version increments on every state-changing write and is the key for
	// optimistic concurrency control.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTrialAt reports whether the subscription is in an unexpired trial.
func (s *Subscription) IsTrialAt(now time.Time) bool {
	return s.Status == StatusTrialing && s.TrialEnd != nil && s.TrialEnd.After(now)
}

// HasAccessAt reports whether the subscription grants access at the given
// instant: active always does, trialing only while the trial has not ended.
func (s *Subscription) HasAccessAt(now time.Time) bool {
	switch s.Status {
	case StatusActive:
		return true
	case StatusTrialing:
		return s.TrialEnd != nil && s.TrialEnd.After(now)
	}
	return false
}

// TrialExpiredAt reports whether a trialing subscription's trial end has
// passed without a status change from the provider.
func (s *Subscription) TrialExpiredAt(now time.Time) bool {
	return s.Status == StatusTrialing && s.TrialEnd != nil && !s.TrialEnd.After(now)
}

// TrialDaysRemainingAt returns the number of days remaining in the trial at a
// given time, rounded to the nearest day. Returns 0 outside of an active trial.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.IsTrialAt(now) {
		return 0
	}

	remaining := s.TrialEnd.Sub(now)
	days := remaining.Hours() / 24
	return int(days + 0.5)
}

// NextBillingDate returns the end of the current billing period.
func (s *Subscription) NextBillingDate() time.Time {
	return s.CurrentPeriodEnd
}

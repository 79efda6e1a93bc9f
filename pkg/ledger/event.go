package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known event types recorded in the ledger. Provider-originated events
// use the normalized form of the provider's event name; internally synthesized
// events use the types below.
const (
	TypeSubscriptionCreated     = "subscription_created"
	TypeSubscriptionUpdated     = "subscription_updated"
	TypeSubscriptionCanceled    = "subscription_canceled"
	TypePaymentSucceeded        = "payment_succeeded"
	TypePaymentFailed           = "payment_failed"
	TypeInvoicePaymentSucceeded = "invoice_payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice_payment_failed"
	TypeTrialEnded              = "trial_ended"
	TypeTrialExpiringReminder   = "trial_expiring_reminder"
	TypeTrialPaymentSucceeded   = "trial_payment_succeeded"
	TypeTrialPaymentFailed      = "trial_payment_failed"
	TypePaymentMethodAttached   = "payment_method_attached"
	TypePaymentMethodDetached   = "payment_method_detached"
	TypeCustomerUpdated         = "customer_updated"
	TypeReconciliationSync      = "reconciliation_sync"
	TypeIllegalTransition       = "illegal_transition"
	TypeUnknownProviderEvent    = "unknown_provider_event"
)

// Event is a single append-only ledger entry.
type Event struct {
	ID              uuid.UUID      `json:"id"`
	SubscriptionID  uuid.UUID      `json:"subscription_id"`
	Type            string         `json:"event_type"`
	ExternalEventID string         `json:"external_event_id"`
	Success         bool           `json:"success"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IsPaymentEvent reports whether the entry records a payment outcome.
func (e Event) IsPaymentEvent() bool {
	switch e.Type {
	case TypePaymentSucceeded, TypePaymentFailed,
		TypeInvoicePaymentSucceeded, TypeInvoicePaymentFailed,
		TypeTrialPaymentSucceeded, TypeTrialPaymentFailed:
		return true
	}
	return false
}

// SyntheticID builds a unique external event ID for locally generated events,
// namespaced so it can never collide with provider-issued IDs.
func SyntheticID(eventType string, subscriptionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("manual_%s_%s_%d", eventType, subscriptionID, at.Unix())
}

// Package provider abstracts the payment provider behind a narrow client
// interface with a deterministic in-memory fake, so the engine and the
// reconciliation loop never touch provider SDK types directly.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Event is a provider webhook event normalized to the fields the gateway
// routes on. Raw carries the original payload for type-specific decoding.
type Event struct {
	ID              string
	Type            string
	Created         time.Time
	SubscriptionID  string // provider's subscription ID, empty if not subscription-scoped
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	State           *SubscriptionState // present on subscription lifecycle events
	PaymentMethod   *PaymentMethod     // present on payment method events
	Raw             json.RawMessage
}

// SubscriptionState is the provider's authoritative view of one
// subscription, as fetched during reconciliation or carried in an event.
type SubscriptionState struct {
	ID                 string
	CustomerID         string
	Status             billing.Status
	PriceID            string
	Amount             int64
	Currency           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         time.Time
	TrialEnd           time.Time
	CanceledAt         time.Time
	CancelAtPeriodEnd  bool
}

// Fingerprint returns a stable digest of the billing-relevant fields. The
// provider exposes no last-modified marker, so reconciliation keys its
// synthetic ledger entries on this digest: the same remote state always
// produces the same idempotency key.
func (s SubscriptionState) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%t",
		s.Status, s.PriceID,
		s.CurrentPeriodEnd.Unix(), s.TrialEnd.Unix(), s.CanceledAt.Unix(),
		s.CancelAtPeriodEnd)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Customer is the provider-side customer record.
type Customer struct {
	ID                     string
	Email                  string
	DefaultPaymentMethodID string
}

// PaymentMethod is a provider-side payment instrument.
type PaymentMethod struct {
	ID       string
	Kind     string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Client is the provider operations surface used by the rest of the system.
// Implementations must honor ctx cancellation on every call.
type Client interface {
	// GetSubscription fetches the authoritative remote state. Returns
	// ErrSubscriptionNotFound when the provider no longer knows the ID.
	GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionState, error)

	// CreateCustomer provisions a provider customer and returns its ID.
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error)

	// GetCustomer fetches the customer record. Returns ErrCustomerNotFound
	// when the provider no longer knows the ID.
	GetCustomer(ctx context.Context, customerID string) (Customer, error)

	// UpdateCustomer changes the customer's billing email.
	UpdateCustomer(ctx context.Context, customerID, email string) error

	// CreateSubscription subscribes the customer to the given price.
	CreateSubscription(ctx context.Context, customerID, priceID string) (SubscriptionState, error)

	// UpdateSubscription moves the subscription to a different price,
	// prorating per provider defaults.
	UpdateSubscription(ctx context.Context, subscriptionID, priceID string) (SubscriptionState, error)

	// CancelAtPeriodEnd flags the subscription to lapse at period end
	// instead of cutting access immediately.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error

	// PayLatestInvoice attempts to collect the subscription's open invoice,
	// used when a trial ends and the first real charge is due.
	PayLatestInvoice(ctx context.Context, subscriptionID string) error

	// AttachPaymentMethod attaches the instrument to the customer and makes
	// it the default charge target.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (PaymentMethod, error)

	// DetachPaymentMethod removes the instrument from its customer.
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	// ListPaymentMethods returns the customer's card instruments.
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)

	// VerifyEvent authenticates a webhook payload against its signature
	// header and returns the normalized event. Returns ErrInvalidPayload
	// when the signature or body cannot be verified.
	VerifyEvent(payload []byte, sigHeader string) (Event, error)
}

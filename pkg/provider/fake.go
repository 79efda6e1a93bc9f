package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Fake is a deterministic in-memory Client for tests and local development.
// Remote state is seeded directly; webhook payloads are JSON-encoded Events
// signed with an HMAC the fake itself can produce via Sign.
type Fake struct {
	mu            sync.RWMutex
	secret        string
	subscriptions map[string]SubscriptionState
	customers     map[string]Customer
	methods       map[string][]PaymentMethod // by customer ID
	customerSeq   int
	subSeq        int

	// Err, when set, is returned from every provider call. Lets tests drive
	// the retryable/fatal classification paths.
	Err error

	// PaidInvoices records PayLatestInvoice calls in order.
	PaidInvoices []string
	// CanceledAtPeriodEnd records CancelAtPeriodEnd calls in order.
	CanceledAtPeriodEnd []string
}

// NewFake creates an empty fake provider with the given webhook secret.
func NewFake(secret string) *Fake {
	return &Fake{
		secret:        secret,
		subscriptions: make(map[string]SubscriptionState),
		customers:     make(map[string]Customer),
		methods:       make(map[string][]PaymentMethod),
	}
}

// SeedSubscription installs remote state for a subscription ID.
func (f *Fake) SeedSubscription(state SubscriptionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[state.ID] = state
}

// Sign produces the signature header VerifyEvent accepts for payload.
func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *Fake) GetSubscription(_ context.Context, subscriptionID string) (SubscriptionState, error) {
	if f.Err != nil {
		return SubscriptionState{}, f.Err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	state, ok := f.subscriptions[subscriptionID]
	if !ok {
		return SubscriptionState{}, ErrSubscriptionNotFound
	}
	return state, nil
}

func (f *Fake) CreateCustomer(_ context.Context, email string, _ map[string]string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrCustomerNotFound)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerSeq++
	id := fmt.Sprintf("cus_fake_%d", f.customerSeq)
	f.customers[id] = Customer{ID: id, Email: email}
	return id, nil
}

func (f *Fake) GetCustomer(_ context.Context, customerID string) (Customer, error) {
	if f.Err != nil {
		return Customer{}, f.Err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	cus, ok := f.customers[customerID]
	if !ok {
		return Customer{}, ErrCustomerNotFound
	}
	return cus, nil
}

func (f *Fake) UpdateCustomer(_ context.Context, customerID, email string) error {
	if f.Err != nil {
		return f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cus, ok := f.customers[customerID]
	if !ok {
		return ErrCustomerNotFound
	}
	cus.Email = email
	f.customers[customerID] = cus
	return nil
}

func (f *Fake) CreateSubscription(_ context.Context, customerID, priceID string) (SubscriptionState, error) {
	if f.Err != nil {
		return SubscriptionState{}, f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.subSeq++
	now := time.Now().UTC()
	state := SubscriptionState{
		ID:                 fmt.Sprintf("sub_fake_%d", f.subSeq),
		CustomerID:         customerID,
		Status:             billing.StatusIncomplete,
		PriceID:            priceID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	f.subscriptions[state.ID] = state
	return state, nil
}

func (f *Fake) UpdateSubscription(_ context.Context, subscriptionID, priceID string) (SubscriptionState, error) {
	if f.Err != nil {
		return SubscriptionState{}, f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.subscriptions[subscriptionID]
	if !ok {
		return SubscriptionState{}, ErrSubscriptionNotFound
	}
	state.PriceID = priceID
	f.subscriptions[subscriptionID] = state
	return state, nil
}

func (f *Fake) CancelAtPeriodEnd(_ context.Context, subscriptionID string) error {
	if f.Err != nil {
		return f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.subscriptions[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	state.CancelAtPeriodEnd = true
	f.subscriptions[subscriptionID] = state
	f.CanceledAtPeriodEnd = append(f.CanceledAtPeriodEnd, subscriptionID)
	return nil
}

func (f *Fake) PayLatestInvoice(_ context.Context, subscriptionID string) error {
	if f.Err != nil {
		return f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscriptions[subscriptionID]; !ok {
		return ErrSubscriptionNotFound
	}
	f.PaidInvoices = append(f.PaidInvoices, subscriptionID)
	return nil
}

func (f *Fake) AttachPaymentMethod(_ context.Context, customerID, paymentMethodID string) (PaymentMethod, error) {
	if f.Err != nil {
		return PaymentMethod{}, f.Err
	}

	pm := PaymentMethod{
		ID:       paymentMethodID,
		Kind:     "card",
		Brand:    "visa",
		Last4:    "4242",
		ExpMonth: 12,
		ExpYear:  time.Now().UTC().Year() + 3,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[customerID] = append(f.methods[customerID], pm)
	return pm, nil
}

func (f *Fake) DetachPaymentMethod(_ context.Context, paymentMethodID string) error {
	if f.Err != nil {
		return f.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for customerID, list := range f.methods {
		for i, pm := range list {
			if pm.ID == paymentMethodID {
				f.methods[customerID] = append(list[:i:i], list[i+1:]...)
				return nil
			}
		}
	}
	return ErrCustomerNotFound
}

func (f *Fake) ListPaymentMethods(_ context.Context, customerID string) ([]PaymentMethod, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]PaymentMethod, len(f.methods[customerID]))
	copy(out, f.methods[customerID])
	return out, nil
}

func (f *Fake) VerifyEvent(payload []byte, sigHeader string) (Event, error) {
	if !hmac.Equal([]byte(f.Sign(payload)), []byte(sigHeader)) {
		return Event{}, ErrInvalidPayload
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, ErrInvalidPayload
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, ErrInvalidPayload
	}
	if event.Raw == nil {
		event.Raw = payload
	}
	return event, nil
}

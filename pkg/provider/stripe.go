package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// StripeClient implements Client against the Stripe API.
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

// NewStripeClient creates a Stripe-backed provider client.
func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
	if apiKey == "" {
		panic("provider: stripe api key is required")
	}

	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeClient{api: sc, webhookSecret: webhookSecret}
}

func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return SubscriptionState{}, mapStripeError(err, ErrSubscriptionNotFound)
	}
	return stateFromStripe(sub), nil
}

func (c *StripeClient) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", mapStripeError(err, ErrCustomerNotFound)
	}
	return cus.ID, nil
}

func (c *StripeClient) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	cus, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return Customer{}, mapStripeError(err, ErrCustomerNotFound)
	}

	out := Customer{ID: cus.ID, Email: cus.Email}
	if cus.InvoiceSettings != nil && cus.InvoiceSettings.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethodID = cus.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return out, nil
}

func (c *StripeClient) UpdateCustomer(ctx context.Context, customerID, email string) error {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	if _, err := c.api.Customers.Update(customerID, params); err != nil {
		return mapStripeError(err, ErrCustomerNotFound)
	}
	return nil
}

func (c *StripeClient) CreateSubscription(ctx context.Context, customerID, priceID string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return SubscriptionState{}, mapStripeError(err, ErrCustomerNotFound)
	}
	return stateFromStripe(sub), nil
}

func (c *StripeClient) UpdateSubscription(ctx context.Context, subscriptionID, priceID string) (SubscriptionState, error) {
	getParams := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	current, err := c.api.Subscriptions.Get(subscriptionID, getParams)
	if err != nil {
		return SubscriptionState{}, mapStripeError(err, ErrSubscriptionNotFound)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return SubscriptionState{}, errors.Join(ErrSubscriptionNotFound,
			errors.New("provider: subscription has no items"))
	}

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
	}
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return SubscriptionState{}, mapStripeError(err, ErrSubscriptionNotFound)
	}
	return stateFromStripe(sub), nil
}

func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return mapStripeError(err, ErrSubscriptionNotFound)
	}
	if !sub.CancelAtPeriodEnd {
		return errors.New("provider: stripe did not flag cancel at period end")
	}
	return nil
}

func (c *StripeClient) PayLatestInvoice(ctx context.Context, subscriptionID string) error {
	getParams := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	getParams.AddExpand("latest_invoice")

	sub, err := c.api.Subscriptions.Get(subscriptionID, getParams)
	if err != nil {
		return mapStripeError(err, ErrSubscriptionNotFound)
	}
	if sub.LatestInvoice == nil || sub.LatestInvoice.Status == stripe.InvoiceStatusPaid {
		return nil
	}

	payParams := &stripe.InvoicePayParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := c.api.Invoices.Pay(sub.LatestInvoice.ID, payParams); err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.Type == stripe.ErrorTypeCard {
			return errors.Join(ErrPaymentFailed, err)
		}
		return mapStripeError(err, ErrSubscriptionNotFound)
	}
	return nil
}

func (c *StripeClient) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (PaymentMethod, error) {
	attachParams := &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	pm, err := c.api.PaymentMethods.Attach(paymentMethodID, attachParams)
	if err != nil {
		return PaymentMethod{}, mapStripeError(err, ErrCustomerNotFound)
	}

	customerParams := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	if _, err := c.api.Customers.Update(customerID, customerParams); err != nil {
		return PaymentMethod{}, mapStripeError(err, ErrCustomerNotFound)
	}

	return paymentMethodFromStripe(pm), nil
}

func (c *StripeClient) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	params := &stripe.PaymentMethodDetachParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := c.api.PaymentMethods.Detach(paymentMethodID, params); err != nil {
		return mapStripeError(err, ErrCustomerNotFound)
	}
	return nil
}

func (c *StripeClient) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
		Type:       stripe.String(string(stripe.PaymentMethodTypeCard)),
	}

	var out []PaymentMethod
	iter := c.api.PaymentMethods.List(params)
	for iter.Next() {
		out = append(out, paymentMethodFromStripe(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeError(err, ErrCustomerNotFound)
	}
	return out, nil
}

func (c *StripeClient) VerifyEvent(payload []byte, sigHeader string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return Event{}, errors.Join(ErrInvalidPayload, err)
	}
	return normalizeStripeEvent(event)
}

func normalizeStripeEvent(event stripe.Event) (Event, error) {
	out := Event{
		ID:      event.ID,
		Type:    event.Type,
		Created: time.Unix(event.Created, 0).UTC(),
		Raw:     event.Data.Raw,
	}

	switch {
	case strings.HasPrefix(event.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Event{}, errors.Join(ErrInvalidPayload, err)
		}
		out.SubscriptionID = sub.ID
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
		state := stateFromStripe(&sub)
		out.State = &state

	case strings.HasPrefix(event.Type, "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return Event{}, errors.Join(ErrInvalidPayload, err)
		}
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerID = inv.Customer.ID
		}
		out.Amount = inv.AmountDue
		if inv.AmountPaid > 0 {
			out.Amount = inv.AmountPaid
		}
		out.Currency = string(inv.Currency)

	case strings.HasPrefix(event.Type, "payment_method."):
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return Event{}, errors.Join(ErrInvalidPayload, err)
		}
		out.PaymentMethodID = pm.ID
		if pm.Customer != nil {
			out.CustomerID = pm.Customer.ID
		}
		normalized := paymentMethodFromStripe(&pm)
		out.PaymentMethod = &normalized
	}

	return out, nil
}

func stateFromStripe(sub *stripe.Subscription) SubscriptionState {
	state := SubscriptionState{
		ID:                 sub.ID,
		Status:             statusFromStripe(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		TrialStart:         unixTime(sub.TrialStart),
		TrialEnd:           unixTime(sub.TrialEnd),
		CanceledAt:         unixTime(sub.CanceledAt),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		state.PriceID = price.ID
		state.Amount = price.UnitAmount
		state.Currency = string(price.Currency)
	}
	return state
}

// statusFromStripe maps the provider's status vocabulary onto the local one.
// incomplete_expired folds into canceled: the checkout never completed and
// the provider has written the subscription off.
func statusFromStripe(s stripe.SubscriptionStatus) billing.Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return billing.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return billing.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return billing.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return billing.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return billing.StatusUnpaid
	case stripe.SubscriptionStatusIncomplete:
		return billing.StatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return billing.StatusCanceled
	}
	return billing.Status(s)
}

func paymentMethodFromStripe(pm *stripe.PaymentMethod) PaymentMethod {
	out := PaymentMethod{
		ID:   pm.ID,
		Kind: string(pm.Type),
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	return out
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// mapStripeError rewrites a 404 into the package's not-found sentinel and
// 5xx/connection failures into ErrUnavailable, keeping the original error
// attached for logs.
func mapStripeError(err error, notFound error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return err
	}
	if sErr.HTTPStatusCode == http.StatusNotFound || sErr.Code == stripe.ErrorCodeResourceMissing {
		return errors.Join(notFound, err)
	}
	if sErr.Type == stripe.ErrorTypeAPIConnection || sErr.Type == stripe.ErrorTypeRateLimit ||
		sErr.HTTPStatusCode >= http.StatusInternalServerError {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

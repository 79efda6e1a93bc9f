// Package gateway turns verified provider webhook events into engine
// transitions. It is the only consumer of raw provider events; everything
// past it speaks the local vocabulary.
package gateway

import "strings"

// Category buckets provider event types by how the gateway handles them.
type Category int

const (
	CategoryUnknown Category = iota
	CategorySubscription
	CategoryPaymentSuccess
	CategoryPaymentFailure
	CategoryTrialWillEnd
	CategoryPaymentMethod
	CategoryCustomer
)

func (c Category) String() string {
	switch c {
	case CategorySubscription:
		return "subscription"
	case CategoryPaymentSuccess:
		return "payment_success"
	case CategoryPaymentFailure:
		return "payment_failure"
	case CategoryTrialWillEnd:
		return "trial_will_end"
	case CategoryPaymentMethod:
		return "payment_method"
	case CategoryCustomer:
		return "customer"
	}
	return "unknown"
}

// Categorize maps a provider event type to its handling category. The set is
// closed: anything unlisted is CategoryUnknown and gets acknowledged without
// side effects.
func Categorize(eventType string) Category {
	switch eventType {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		return CategorySubscription
	case "customer.subscription.trial_will_end":
		return CategoryTrialWillEnd
	case "invoice.payment_succeeded", "invoice.paid":
		return CategoryPaymentSuccess
	case "invoice.payment_failed":
		return CategoryPaymentFailure
	case "customer.updated":
		return CategoryCustomer
	}
	if strings.HasPrefix(eventType, "payment_method.") {
		return CategoryPaymentMethod
	}
	return CategoryUnknown
}

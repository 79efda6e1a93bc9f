package provider

import "errors"

var (
	ErrInvalidPayload       = errors.New("provider: invalid or unverifiable webhook payload")
	ErrSubscriptionNotFound = errors.New("provider: subscription not found")
	ErrCustomerNotFound     = errors.New("provider: customer not found")
	ErrPaymentFailed        = errors.New("provider: payment attempt failed")
	ErrUnavailable          = errors.New("provider: temporarily unavailable")
)

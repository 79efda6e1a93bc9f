package provider

import (
	"context"
	"errors"
	"net/http"

	stripe "github.com/stripe/stripe-go/v72"
)

// Outcome classifies a provider call result for the caller's retry decision.
type Outcome int

const (
	// OutcomeOK means the call succeeded.
	OutcomeOK Outcome = iota
	// OutcomeRetryable means the failure is transient (network, rate limit,
	// provider 5xx) and the same call may succeed later.
	OutcomeRetryable
	// OutcomeFatal means retrying the same call cannot succeed (bad request,
	// declined card, missing resource).
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps a provider call error to its Outcome. Callers branch on the
// classification instead of inspecting SDK error types themselves.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeRetryable
	}
	if errors.Is(err, ErrUnavailable) {
		return OutcomeRetryable
	}
	if errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrPaymentFailed) {
		return OutcomeFatal
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeAPIConnection, stripe.ErrorTypeRateLimit:
			return OutcomeRetryable
		case stripe.ErrorTypeAPI:
			if sErr.HTTPStatusCode >= http.StatusInternalServerError {
				return OutcomeRetryable
			}
			return OutcomeFatal
		default:
			// Card declines, invalid requests, auth failures.
			return OutcomeFatal
		}
	}

	// Unrecognized errors are worth one more try.
	return OutcomeRetryable
}

package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingkit/pkg/provider"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want provider.Outcome
	}{
		{"nil error", nil, provider.OutcomeOK},
		{"context deadline", context.DeadlineExceeded, provider.OutcomeRetryable},
		{"context canceled", context.Canceled, provider.OutcomeRetryable},
		{"unavailable sentinel", provider.ErrUnavailable, provider.OutcomeRetryable},
		{"wrapped unavailable", fmt.Errorf("call: %w", provider.ErrUnavailable), provider.OutcomeRetryable},
		{"subscription missing", provider.ErrSubscriptionNotFound, provider.OutcomeFatal},
		{"customer missing", provider.ErrCustomerNotFound, provider.OutcomeFatal},
		{"invalid payload", provider.ErrInvalidPayload, provider.OutcomeFatal},
		{"payment failed", provider.ErrPaymentFailed, provider.OutcomeFatal},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeRateLimit}, provider.OutcomeRetryable},
		{"connection failure", &stripe.Error{Type: stripe.ErrorTypeAPIConnection}, provider.OutcomeRetryable},
		{"provider 5xx", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}, provider.OutcomeRetryable},
		{"provider 4xx api error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 400}, provider.OutcomeFatal},
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard}, provider.OutcomeFatal},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest}, provider.OutcomeFatal},
		{"unknown error", errors.New("boom"), provider.OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, provider.Classify(tt.err))
		})
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ok", provider.OutcomeOK.String())
	assert.Equal(t, "retryable", provider.OutcomeRetryable.String())
	assert.Equal(t, "fatal", provider.OutcomeFatal.String())
}

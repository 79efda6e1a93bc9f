package paymentmethod

import "errors"

var (
	ErrNotFound        = errors.New("paymentmethod: payment method not found")
	ErrInvalidMethod   = errors.New("paymentmethod: invalid payment method")
	ErrEmptyExternalID = errors.New("paymentmethod: external id is required")
	ErrStoreFailure    = errors.New("paymentmethod: store operation failed")
)

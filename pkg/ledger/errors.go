package ledger

import "errors"

var (
	ErrEmptyExternalEventID = errors.New("ledger: external event id is required")
	ErrEmptySubscriptionID  = errors.New("ledger: subscription id is required")
	ErrEmptyEventType       = errors.New("ledger: event type is required")
	ErrStoreFailure         = errors.New("ledger: store operation failed")
)

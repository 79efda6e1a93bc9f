package billing

import "errors"

var (
	ErrNotFound               = errors.New("billing: subscription not found")
	ErrAlreadyExists          = errors.New("billing: subscription already exists")
	ErrVersionConflict        = errors.New("billing: subscription version conflict")
	ErrConcurrentModification = errors.New("billing: concurrent modification, retry attempts exhausted")
	ErrIllegalTransition      = errors.New("billing: illegal status transition")
	ErrMissingSourceEvent     = errors.New("billing: source event id is required")
	ErrInvalidStatus          = errors.New("billing: invalid subscription status")
	ErrInvalidSubscription    = errors.New("billing: invalid subscription")
	ErrSideEffects            = errors.New("billing: side effects failed after committed transition")

	ErrPlanNotFound             = errors.New("billing: plan not found")
	ErrInvalidPlanConfiguration = errors.New("billing: invalid plan configuration")

	ErrStoreFailure = errors.New("billing: store operation failed")
)

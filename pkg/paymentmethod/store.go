package paymentmethod

import (
	"context"

	"github.com/google/uuid"
)

// Store is the payment method persistence contract.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Method, error)
	GetByExternalID(ctx context.Context, userID uuid.UUID, externalID string) (Method, error)

	// GetDefault returns the user's default method, or ErrNotFound when the
	// user has none marked default.
	GetDefault(ctx context.Context, userID uuid.UUID) (Method, error)

	// ListByUser returns the user's methods ordered by attachment time.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Method, error)

	// AttachDefault upserts m keyed on (user id, external id) and marks it
	// the user's sole default, clearing the default flag on every other
	// method in the same commit. Attaching an already-tracked instrument
	// refreshes its card details.
	AttachDefault(ctx context.Context, m Method) (Method, error)

	// Delete removes the method. The default flag is not promoted to another
	// method; the next attach sets it.
	Delete(ctx context.Context, id uuid.UUID) error
}

func validate(m Method) error {
	if m.UserID == uuid.Nil {
		return ErrInvalidMethod
	}
	if m.ExternalID == "" {
		return ErrEmptyExternalID
	}
	if !m.Kind.Valid() {
		return ErrInvalidMethod
	}
	return nil
}

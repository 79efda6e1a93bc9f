package access

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Transition is one committed status change, published to feed subscribers.
type Transition struct {
	Subscription billing.Subscription
	Previous     billing.Status
	Next         billing.Status
	At           time.Time
}

// Applier implements the billing engine's side-effect hook. Entry into an
// access-granting status grants, entry into a lapsed status revokes, and
// past_due warns without revoking. Self-transitions carry no consequences.
type Applier struct {
	granter  Granter
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	feed chan Transition
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ApplierOption {
	return func(a *Applier) {
		if log != nil {
			a.log = log
		}
	}
}

// WithFeedBuffer sets the transition feed capacity. The feed drops when
// full rather than blocking the engine.
func WithFeedBuffer(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.feed = make(chan Transition, n)
		}
	}
}

// NewApplier creates the side-effect applier. Panics on nil required
// dependencies.
func NewApplier(granter Granter, notifier Notifier, opts ...ApplierOption) *Applier {
	if granter == nil {
		panic("access: Granter is required")
	}
	if notifier == nil {
		panic("access: Notifier is required")
	}

	a := &Applier{
		granter:  granter,
		notifier: notifier,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		feed:     make(chan Transition, 64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed returns the transition stream. Consumers that fall behind lose
// transitions; the ledger remains the authoritative history.
func (a *Applier) Feed() <-chan Transition {
	return a.feed
}

// ApplySideEffects runs the consequences of a committed transition.
func (a *Applier) ApplySideEffects(ctx context.Context, sub billing.Subscription, previous, next billing.Status) error {
	defer a.publish(sub, previous, next)

	if previous == next {
		return nil
	}

	switch next {
	case billing.StatusTrialing, billing.StatusActive:
		if previous == billing.StatusTrialing || previous == billing.StatusActive {
			// trialing -> active keeps the grant; nothing to flip.
			return nil
		}
		return a.granter.Grant(ctx, sub.UserID)

	case billing.StatusPastDue:
		// Dunning window: no revoke yet, warn the user instead.
		return a.notifier.PaymentOverdue(ctx, sub.UserID)

	case billing.StatusCanceled, billing.StatusUnpaid:
		var errs []error
		if err := a.granter.Revoke(ctx, sub.UserID); err != nil {
			errs = append(errs, err)
		}
		if next == billing.StatusUnpaid {
			if err := a.notifier.PaymentMethodRequired(ctx, sub.UserID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case billing.StatusIncomplete:
		return nil
	}

	a.log.WarnContext(ctx, "no side effects defined for status",
		"subscription_id", sub.ID, "status", next)
	return nil
}

func (a *Applier) publish(sub billing.Subscription, previous, next billing.Status) {
	t := Transition{
		Subscription: sub,
		Previous:     previous,
		Next:         next,
		At:           a.now(),
	}
	select {
	case a.feed <- t:
	default:
		a.log.Warn("transition feed full, dropping",
			"subscription_id", sub.ID, "from", previous, "to", next)
	}
}

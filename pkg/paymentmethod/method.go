// Package paymentmethod tracks the payment instruments attached to a billing
// customer and which one is the default charge target.
package paymentmethod

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the payment instrument type.
type Kind string

const (
	KindCard        Kind = "card"
	KindBankAccount Kind = "bank_account"
	KindSEPADebit   Kind = "sepa_debit"
)

// Valid reports whether k is a known instrument kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCard, KindBankAccount, KindSEPADebit:
		return true
	}
	return false
}

// ExpiryWarningWindow is how far ahead a card expiry counts as "expiring
// soon" for customer warnings.
const ExpiryWarningWindow = 3 // months

// Method is a locally tracked payment instrument. ExternalID is the
// provider's payment method identifier and is unique per user.
type Method struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Kind       Kind      `json:"kind"`
	Brand      string    `json:"brand"` // visa, mastercard, amex...
	Last4      string    `json:"last4"`
	ExpMonth   int       `json:"exp_month"` // 1-12, cards only
	ExpYear    int       `json:"exp_year"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// expiresAt returns the first instant the card is no longer usable: midnight
// UTC on the first day of the month after the expiry month. Zero for
// instruments without an expiry.
func (m Method) expiresAt() time.Time {
	if m.ExpYear == 0 || m.ExpMonth == 0 {
		return time.Time{}
	}
	return time.Date(m.ExpYear, time.Month(m.ExpMonth), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// Expired reports whether the instrument's expiry has passed.
func (m Method) Expired(now time.Time) bool {
	exp := m.expiresAt()
	return !exp.IsZero() && !exp.After(now)
}

// ExpiresSoon reports whether the instrument expires within the warning
// window but has not expired yet.
func (m Method) ExpiresSoon(now time.Time) bool {
	exp := m.expiresAt()
	if exp.IsZero() || m.Expired(now) {
		return false
	}
	return !exp.After(now.AddDate(0, ExpiryWarningWindow, 0))
}

// DisplayName renders a human-readable label, e.g. "Visa ending in 4242".
func (m Method) DisplayName() string {
	if m.Brand == "" || m.Last4 == "" {
		return string(m.Kind)
	}
	return fmt.Sprintf("%s ending in %s", m.Brand, m.Last4)
}

// Masked renders the instrument as a masked number.
func (m Method) Masked() string {
	if m.Last4 == "" {
		return "****"
	}
	return "**** **** **** " + m.Last4
}

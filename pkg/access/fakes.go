package access

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryGranter tracks the access bit per user in memory. Used in tests and
// as the default when the host application wires no granter of its own.
type MemoryGranter struct {
	mu      sync.RWMutex
	granted map[uuid.UUID]bool
}

// NewMemoryGranter creates an empty in-memory granter.
func NewMemoryGranter() *MemoryGranter {
	return &MemoryGranter{granted: make(map[uuid.UUID]bool)}
}

func (g *MemoryGranter) Grant(_ context.Context, userID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[userID] = true
	return nil
}

func (g *MemoryGranter) Revoke(_ context.Context, userID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[userID] = false
	return nil
}

// Granted reports the current access bit for a user.
func (g *MemoryGranter) Granted(userID uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[userID]
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PaymentSucceeded(context.Context, uuid.UUID, int64, string) error { return nil }
func (NopNotifier) PaymentFailed(context.Context, uuid.UUID) error                   { return nil }
func (NopNotifier) PaymentOverdue(context.Context, uuid.UUID) error                  { return nil }
func (NopNotifier) TrialExpiring(context.Context, uuid.UUID, int) error              { return nil }
func (NopNotifier) TrialExpired(context.Context, uuid.UUID) error                    { return nil }
func (NopNotifier) PaymentMethodRequired(context.Context, uuid.UUID) error           { return nil }

// Notification is one recorded delivery.
type Notification struct {
	Kind     string
	UserID   uuid.UUID
	Amount   int64
	Currency string
	DaysLeft int
}

// RecorderNotifier records notifications for test assertions. Safe for
// concurrent use.
type RecorderNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

// NewRecorderNotifier creates an empty recorder. A non-nil err is returned
// from every delivery, for failure-path tests.
func NewRecorderNotifier(err error) *RecorderNotifier {
	return &RecorderNotifier{err: err}
}

// Sent returns a copy of the recorded notifications.
func (r *RecorderNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *RecorderNotifier) record(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *RecorderNotifier) PaymentSucceeded(_ context.Context, userID uuid.UUID, amount int64, currency string) error {
	return r.record(Notification{Kind: "payment_succeeded", UserID: userID, Amount: amount, Currency: currency})
}

func (r *RecorderNotifier) PaymentFailed(_ context.Context, userID uuid.UUID) error {
	return r.record(Notification{Kind: "payment_failed", UserID: userID})
}

func (r *RecorderNotifier) PaymentOverdue(_ context.Context, userID uuid.UUID) error {
	return r.record(Notification{Kind: "payment_overdue", UserID: userID})
}

func (r *RecorderNotifier) TrialExpiring(_ context.Context, userID uuid.UUID, daysLeft int) error {
	return r.record(Notification{Kind: "trial_expiring", UserID: userID, DaysLeft: daysLeft})
}

func (r *RecorderNotifier) TrialExpired(_ context.Context, userID uuid.UUID) error {
	return r.record(Notification{Kind: "trial_expired", UserID: userID})
}

func (r *RecorderNotifier) PaymentMethodRequired(_ context.Context, userID uuid.UUID) error {
	return r.record(Notification{Kind: "payment_method_required", UserID: userID})
}

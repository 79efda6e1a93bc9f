package ledger

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Event // keyed by ExternalEventID
	insertSeq  []string         // preserves append order for stable queries
	nowFn      func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the store clock, useful for deterministic tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		byID:  make(map[string]Event),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Record(ctx context.Context, event Event) (Event, bool, error) {
	if err := validate(event); err != nil {
		return Event{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[event.ExternalEventID]; ok {
		return copyEvent(existing), false, nil
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.nowFn()
	}
	event.Metadata = maps.Clone(event.Metadata)

	s.byID[event.ExternalEventID] = event
	s.insertSeq = append(s.insertSeq, event.ExternalEventID)
	return copyEvent(event), true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, externalEventID string) (bool, error) {
	if externalEventID == "" {
		return false, ErrEmptyExternalEventID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[externalEventID]
	return ok, nil
}

func (s *MemoryStore) Query(ctx context.Context, subscriptionID uuid.UUID, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, key := range s.insertSeq {
		e := s.byID[key]
		if e.SubscriptionID != subscriptionID {
			continue
		}
		if !matches(e, f) {
			continue
		}
		out = append(out, copyEvent(e))
	}

	slices.SortStableFunc(out, func(a, b Event) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e Event, f Filter) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if !f.Since.IsZero() && !e.CreatedAt.After(f.Since) {
		return false
	}
	if f.SuccessOnly && !e.Success {
		return false
	}
	if f.FailedOnly && e.Success {
		return false
	}
	return true
}

// copyEvent returns a defensive copy so callers cannot mutate stored state
// through the shared metadata map.
func copyEvent(e Event) Event {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

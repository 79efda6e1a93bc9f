package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. It holds a ledger.Store so UpdateVersioned can commit the
// subscription write and its ledger entry under one lock, mirroring the
// single-transaction behavior of the Postgres store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]Subscription
	events ledger.Store
}

// NewMemoryStore creates an empty in-memory subscription store. Panics when
// events is nil.
func NewMemoryStore(events ledger.Store) *MemoryStore {
	if events == nil {
		panic("billing: ledger.Store is required")
	}
	return &MemoryStore{
		byID:   make(map[uuid.UUID]Subscription),
		events: events,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (Subscription, error) {
	if externalID == "" {
		return Subscription{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.byID {
		if sub.ExternalID == externalID {
			return sub, nil
		}
	}
	return Subscription{}, ErrNotFound
}

func (s *MemoryStore) GetByExternalCustomerID(ctx context.Context, externalCustomerID string) (Subscription, error) {
	if externalCustomerID == "" {
		return Subscription{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Subscription
	var ok bool
	for _, sub := range s.byID {
		if sub.ExternalCustomerID != externalCustomerID {
			continue
		}
		if !ok || sub.CreatedAt.After(found.CreatedAt) {
			found, ok = sub, true
		}
	}
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) GetCurrentByUser(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Subscription
	var ok bool
	for _, sub := range s.byID {
		if sub.UserID != userID || sub.Status == StatusCanceled {
			continue
		}
		if !ok || sub.CreatedAt.After(found.CreatedAt) {
			found, ok = sub, true
		}
	}
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) Create(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[sub.ID]; exists {
		return Subscription{}, ErrAlreadyExists
	}
	if sub.ExternalID != "" {
		for _, existing := range s.byID {
			if existing.ExternalID == sub.ExternalID {
				return Subscription{}, ErrAlreadyExists
			}
		}
	}

	s.byID[sub.ID] = sub
	return sub, nil
}

func (s *MemoryStore) UpdateVersioned(ctx context.Context, sub Subscription, expectedVersion int64, entry ledger.Event) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[sub.ID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Subscription{}, ErrVersionConflict
	}

	if _, _, err := s.events.Record(ctx, entry); err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}

	sub.Version = expectedVersion + 1
	s.byID[sub.ID] = sub
	return sub, nil
}

func (s *MemoryStore) ListAccessFamily(ctx context.Context) ([]Subscription, error) {
	return s.list(func(sub Subscription) bool {
		return sub.Status.HoldsAccess()
	})
}

func (s *MemoryStore) ListExpiredTrials(ctx context.Context, now time.Time) ([]Subscription, error) {
	return s.list(func(sub Subscription) bool {
		return sub.TrialExpiredAt(now)
	})
}

func (s *MemoryStore) ListTrialsEndingWithin(ctx context.Context, now time.Time, window time.Duration) ([]Subscription, error) {
	deadline := now.Add(window)
	return s.list(func(sub Subscription) bool {
		return sub.Status == StatusTrialing &&
			sub.TrialEnd != nil &&
			sub.TrialEnd.After(now) &&
			!sub.TrialEnd.After(deadline)
	})
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var st Stats
	for _, sub := range s.byID {
		st.Total++
		switch sub.Status {
		case StatusTrialing:
			st.Trialing++
		case StatusActive:
			st.Active++
		case StatusPastDue:
			st.PastDue++
		case StatusUnpaid:
			st.Unpaid++
		case StatusCanceled:
			st.Canceled++
		}
		if sub.TrialExpiredAt(now) {
			st.ExpiredTrials++
		}
	}
	return st, nil
}

func (s *MemoryStore) list(keep func(Subscription) bool) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.byID {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

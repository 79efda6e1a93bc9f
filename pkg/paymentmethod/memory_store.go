package paymentmethod

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]Method
}

// NewMemoryStore creates an empty in-memory payment method store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]Method)}
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Method, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return Method{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, userID uuid.UUID, externalID string) (Method, error) {
	if externalID == "" {
		return Method{}, ErrEmptyExternalID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.byID {
		if m.UserID == userID && m.ExternalID == externalID {
			return m, nil
		}
	}
	return Method{}, ErrNotFound
}

func (s *MemoryStore) GetDefault(ctx context.Context, userID uuid.UUID) (Method, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.byID {
		if m.UserID == userID && m.IsDefault {
			return m, nil
		}
	}
	return Method{}, ErrNotFound
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]Method, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Method
	for _, m := range s.byID {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AttachDefault(ctx context.Context, m Method) (Method, error) {
	if err := validate(m); err != nil {
		return Method{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	currentID := uuid.Nil
	for id, existing := range s.byID {
		if existing.UserID == m.UserID && existing.ExternalID == m.ExternalID {
			currentID = id
			break
		}
	}

	for id, existing := range s.byID {
		if id != currentID && existing.UserID == m.UserID && existing.IsDefault {
			existing.IsDefault = false
			existing.UpdatedAt = now
			s.byID[id] = existing
		}
	}

	if currentID != uuid.Nil {
		// Same instrument re-reported by the provider: refresh the card
		// details in place, keyed on (user, external id).
		existing := s.byID[currentID]
		existing.Kind = m.Kind
		existing.Brand = m.Brand
		existing.Last4 = m.Last4
		existing.ExpMonth = m.ExpMonth
		existing.ExpYear = m.ExpYear
		existing.IsDefault = true
		existing.UpdatedAt = now
		s.byID[currentID] = existing
		return existing, nil
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsDefault = true

	s.byID[m.ID] = m
	return m, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

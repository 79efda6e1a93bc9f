package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

func TestMemoryStore_Record_Deduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	subID := uuid.New()

	event := ledger.Event{
		SubscriptionID:  subID,
		Type:            ledger.TypeSubscriptionUpdated,
		ExternalEventID: "evt_123",
		Success:         true,
		Metadata:        map[string]any{"status": "active"},
	}

	first, inserted, err := store.Record(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	// Second delivery of the same external event is a no-op returning the
	// original entry.
	second, inserted, err := store.Record(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	events, err := store.Query(ctx, subID, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryStore_Record_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()

	t.Run("missing external id", func(t *testing.T) {
		t.Parallel()
		_, _, err := store.Record(ctx, ledger.Event{
			SubscriptionID: uuid.New(),
			Type:           ledger.TypePaymentFailed,
		})
		assert.ErrorIs(t, err, ledger.ErrEmptyExternalEventID)
	})

	t.Run("missing subscription id", func(t *testing.T) {
		t.Parallel()
		_, _, err := store.Record(ctx, ledger.Event{
			Type:            ledger.TypePaymentFailed,
			ExternalEventID: "evt_1",
		})
		assert.ErrorIs(t, err, ledger.ErrEmptySubscriptionID)
	})

	t.Run("missing event type", func(t *testing.T) {
		t.Parallel()
		_, _, err := store.Record(ctx, ledger.Event{
			SubscriptionID:  uuid.New(),
			ExternalEventID: "evt_2",
		})
		assert.ErrorIs(t, err, ledger.ErrEmptyEventType)
	})
}

func TestMemoryStore_Record_ConcurrentSameEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	subID := uuid.New()

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		inserts   int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := store.Record(ctx, ledger.Event{
				SubscriptionID:  subID,
				Type:            ledger.TypePaymentSucceeded,
				ExternalEventID: "evt_race",
				Success:         true,
			})
			assert.NoError(t, err)
			if inserted {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one writer wins the event, everyone else observes a duplicate.
	assert.Equal(t, 1, inserts)

	events, err := store.Query(ctx, subID, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryStore_Query_Filters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := ledger.NewMemoryStore(ledger.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	subID := uuid.New()
	otherSub := uuid.New()

	seed := []ledger.Event{
		{SubscriptionID: subID, Type: ledger.TypePaymentSucceeded, ExternalEventID: "evt_a", Success: true},
		{SubscriptionID: subID, Type: ledger.TypePaymentFailed, ExternalEventID: "evt_b", Success: false},
		{SubscriptionID: subID, Type: ledger.TypeSubscriptionUpdated, ExternalEventID: "evt_c", Success: true},
		{SubscriptionID: otherSub, Type: ledger.TypePaymentFailed, ExternalEventID: "evt_d", Success: false},
	}
	for _, e := range seed {
		_, _, err := store.Record(ctx, e)
		require.NoError(t, err)
	}

	t.Run("by type", func(t *testing.T) {
		events, err := store.Query(ctx, subID, ledger.Filter{Types: []string{ledger.TypePaymentFailed}})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt_b", events[0].ExternalEventID)
	})

	t.Run("failed only", func(t *testing.T) {
		events, err := store.Query(ctx, subID, ledger.Filter{FailedOnly: true})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt_b", events[0].ExternalEventID)
	})

	t.Run("success only with limit", func(t *testing.T) {
		events, err := store.Query(ctx, subID, ledger.Filter{SuccessOnly: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "evt_a", events[0].ExternalEventID)
	})

	t.Run("ordering is by creation time", func(t *testing.T) {
		events, err := store.Query(ctx, subID, ledger.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i := 1; i < len(events); i++ {
			assert.True(t, events[i].CreatedAt.After(events[i-1].CreatedAt))
		}
	})

	t.Run("other subscription is isolated", func(t *testing.T) {
		events, err := store.Query(ctx, otherSub, ledger.Filter{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestFailedPaymentCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	store := ledger.NewMemoryStore()
	subID := uuid.New()

	seed := []ledger.Event{
		{SubscriptionID: subID, Type: ledger.TypePaymentFailed, ExternalEventID: "evt_1", CreatedAt: now.Add(-40 * 24 * time.Hour)},
		{SubscriptionID: subID, Type: ledger.TypePaymentFailed, ExternalEventID: "evt_2", CreatedAt: now.Add(-5 * 24 * time.Hour)},
		{SubscriptionID: subID, Type: ledger.TypeTrialPaymentFailed, ExternalEventID: "evt_3", CreatedAt: now.Add(-time.Hour)},
		{SubscriptionID: subID, Type: ledger.TypePaymentSucceeded, ExternalEventID: "evt_4", CreatedAt: now.Add(-time.Hour)},
	}
	for _, e := range seed {
		_, _, err := store.Record(ctx, e)
		require.NoError(t, err)
	}

	count, err := ledger.FailedPaymentCount(ctx, store, subID, 30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSyntheticID(t *testing.T) {
	t.Parallel()

	subID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	at := time.Unix(1700000000, 0)

	id := ledger.SyntheticID(ledger.TypeTrialEnded, subID, at)
	assert.Equal(t, "manual_trial_ended_11111111-2222-3333-4444-555555555555_1700000000", id)

	// Same inputs are deterministic so repeated synthesis dedups naturally.
	assert.Equal(t, id, ledger.SyntheticID(ledger.TypeTrialEnded, subID, at))
}

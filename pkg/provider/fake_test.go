package provider_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

func TestFake_Subscriptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := provider.NewFake("whsec_test")

	t.Run("get unknown subscription", func(t *testing.T) {
		t.Parallel()

		_, err := fake.GetSubscription(ctx, "sub_missing")
		assert.ErrorIs(t, err, provider.ErrSubscriptionNotFound)
	})

	t.Run("seeded state round-trips", func(t *testing.T) {
		t.Parallel()

		state := provider.SubscriptionState{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			Status:           billing.StatusActive,
			PriceID:          "price_monthly",
			CurrentPeriodEnd: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		}
		fake.SeedSubscription(state)

		got, err := fake.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, state, got)
	})

	t.Run("cancel at period end flags state", func(t *testing.T) {
		t.Parallel()

		fake := provider.NewFake("whsec_test")
		fake.SeedSubscription(provider.SubscriptionState{ID: "sub_2", Status: billing.StatusActive})

		require.NoError(t, fake.CancelAtPeriodEnd(ctx, "sub_2"))

		got, err := fake.GetSubscription(ctx, "sub_2")
		require.NoError(t, err)
		assert.True(t, got.CancelAtPeriodEnd)
		assert.Equal(t, []string{"sub_2"}, fake.CanceledAtPeriodEnd)
	})

	t.Run("price change persists", func(t *testing.T) {
		t.Parallel()

		fake := provider.NewFake("whsec_test")
		fake.SeedSubscription(provider.SubscriptionState{
			ID: "sub_up", Status: billing.StatusActive, PriceID: "price_monthly",
		})

		updated, err := fake.UpdateSubscription(ctx, "sub_up", "price_annual")
		require.NoError(t, err)
		assert.Equal(t, "price_annual", updated.PriceID)

		_, err = fake.UpdateSubscription(ctx, "sub_missing", "price_annual")
		assert.ErrorIs(t, err, provider.ErrSubscriptionNotFound)
	})

	t.Run("pay latest invoice recorded", func(t *testing.T) {
		t.Parallel()

		fake := provider.NewFake("whsec_test")
		fake.SeedSubscription(provider.SubscriptionState{ID: "sub_3", Status: billing.StatusPastDue})

		require.NoError(t, fake.PayLatestInvoice(ctx, "sub_3"))
		assert.Equal(t, []string{"sub_3"}, fake.PaidInvoices)

		assert.ErrorIs(t, fake.PayLatestInvoice(ctx, "sub_unknown"), provider.ErrSubscriptionNotFound)
	})
}

func TestFake_Customers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := provider.NewFake("whsec_test")

	id, err := fake.CreateCustomer(ctx, "user@example.com", nil)
	require.NoError(t, err)

	cus, err := fake.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", cus.Email)

	require.NoError(t, fake.UpdateCustomer(ctx, id, "renamed@example.com"))
	cus, err = fake.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed@example.com", cus.Email)

	_, err = fake.GetCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, provider.ErrCustomerNotFound)
	assert.ErrorIs(t, fake.UpdateCustomer(ctx, "cus_missing", "x@example.com"), provider.ErrCustomerNotFound)
}

func TestFake_VerifyEvent(t *testing.T) {
	t.Parallel()

	fake := provider.NewFake("whsec_test")

	event := provider.Event{
		ID:             "evt_1",
		Type:           "customer.subscription.updated",
		SubscriptionID: "sub_1",
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	t.Run("valid signature", func(t *testing.T) {
		t.Parallel()

		got, err := fake.VerifyEvent(payload, fake.Sign(payload))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", got.ID)
		assert.Equal(t, "sub_1", got.SubscriptionID)
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		t.Parallel()

		_, err := fake.VerifyEvent(payload, "deadbeef")
		assert.ErrorIs(t, err, provider.ErrInvalidPayload)
	})

	t.Run("garbage payload rejected", func(t *testing.T) {
		t.Parallel()

		garbage := []byte("not json")
		_, err := fake.VerifyEvent(garbage, fake.Sign(garbage))
		assert.ErrorIs(t, err, provider.ErrInvalidPayload)
	})

	t.Run("missing identifiers rejected", func(t *testing.T) {
		t.Parallel()

		empty, err := json.Marshal(provider.Event{})
		require.NoError(t, err)
		_, err = fake.VerifyEvent(empty, fake.Sign(empty))
		assert.ErrorIs(t, err, provider.ErrInvalidPayload)
	})
}

func TestSubscriptionState_Fingerprint(t *testing.T) {
	t.Parallel()

	base := provider.SubscriptionState{
		ID:               "sub_1",
		Status:           billing.StatusActive,
		PriceID:          "price_monthly",
		CurrentPeriodEnd: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, base.Fingerprint(), base.Fingerprint(), "fingerprint must be stable")

	changed := base
	changed.Status = billing.StatusPastDue
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	rolled := base
	rolled.CurrentPeriodEnd = rolled.CurrentPeriodEnd.AddDate(0, 1, 0)
	assert.NotEqual(t, base.Fingerprint(), rolled.Fingerprint())
}

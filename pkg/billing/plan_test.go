package billing_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func testPlans() []billing.Plan {
	return []billing.Plan{
		{
			ID:       "monthly",
			Name:     "Monthly Plan",
			PriceID:  "price_monthly",
			Amount:   5000,
			Currency: "usd",
			Interval: billing.IntervalMonthly,
		},
		{
			ID:        "annual",
			Name:      "Annual Plan",
			PriceID:   "price_annual",
			Amount:    50000,
			Currency:  "usd",
			Interval:  billing.IntervalAnnual,
			TrialDays: 14,
		},
	}
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid plans", func(t *testing.T) {
		t.Parallel()

		c, err := billing.NewCatalog(testPlans()...)
		require.NoError(t, err)
		assert.Len(t, c.List(), 2)
	})

	t.Run("empty catalog rejected", func(t *testing.T) {
		t.Parallel()

		_, err := billing.NewCatalog()
		assert.ErrorIs(t, err, billing.ErrInvalidPlanConfiguration)
	})

	t.Run("duplicate plan id rejected", func(t *testing.T) {
		t.Parallel()

		plans := testPlans()
		plans[1].ID = plans[0].ID
		_, err := billing.NewCatalog(plans...)
		assert.ErrorIs(t, err, billing.ErrInvalidPlanConfiguration)
	})

	t.Run("unknown interval rejected", func(t *testing.T) {
		t.Parallel()

		plans := testPlans()
		plans[0].Interval = "weekly"
		_, err := billing.NewCatalog(plans...)
		assert.ErrorIs(t, err, billing.ErrInvalidPlanConfiguration)
	})
}

func TestCatalog_Lookups(t *testing.T) {
	t.Parallel()

	c, err := billing.NewCatalog(testPlans()...)
	require.NoError(t, err)

	p, err := c.Get("monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), p.Amount)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)

	p, err = c.GetByPriceID("price_annual")
	require.NoError(t, err)
	assert.Equal(t, "annual", p.ID)

	_, err = c.GetByPriceID("price_nope")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
}

func TestPlan_TrialEndsAt(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p := billing.Plan{ID: "monthly", Interval: billing.IntervalMonthly}
	assert.Equal(t, start.AddDate(0, 0, billing.DefaultTrialDays), p.TrialEndsAt(start))

	p.TrialDays = 14
	assert.Equal(t, start.AddDate(0, 0, 14), p.TrialEndsAt(start))
}

func TestLoadCatalogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: monthly
    name: Monthly Plan
    price_id: price_monthly
    amount: 5000
    currency: usd
    interval: monthly
    trial_days: 30
  - id: annual
    name: Annual Plan
    price_id: price_annual
    amount: 50000
    currency: usd
    interval: annual
`), 0o600))

	c, err := billing.LoadCatalogFile(path)
	require.NoError(t, err)
	assert.Len(t, c.List(), 2)

	p, err := c.Get("annual")
	require.NoError(t, err)
	assert.Equal(t, billing.IntervalAnnual, p.Interval)
	assert.Zero(t, p.TrialDays)

	_, err = billing.LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, billing.ErrInvalidPlanConfiguration)
}

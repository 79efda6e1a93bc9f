package billing

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTrialDays is applied to signup subscriptions when the plan does not
// override the trial length.
const DefaultTrialDays = 30

// Interval represents the billing frequency of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// Plan describes a purchasable subscription plan. PriceID must match the
// provider's price identifier so checkout and webhook payloads map directly.
type Plan struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	PriceID   string   `yaml:"price_id"`
	Amount    int64    `yaml:"amount"` // minor currency units
	Currency  string   `yaml:"currency"`
	Interval  Interval `yaml:"interval"`
	TrialDays int      `yaml:"trial_days"`
}

// TrialEndsAt calculates when a trial started at the given time ends.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	days := p.TrialDays
	if days <= 0 {
		days = DefaultTrialDays
	}
	return startedAt.AddDate(0, 0, days).UTC()
}

func (p Plan) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidPlanConfiguration)
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: plan %s has negative amount", ErrInvalidPlanConfiguration, p.ID)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("%w: plan %s has negative trial days", ErrInvalidPlanConfiguration, p.ID)
	}
	switch p.Interval {
	case IntervalMonthly, IntervalAnnual:
	default:
		return fmt.Errorf("%w: plan %s has unknown interval %q", ErrInvalidPlanConfiguration, p.ID, p.Interval)
	}
	return nil
}

// Catalog holds the defined plans, keyed by plan ID.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// NewCatalog builds a validated catalog from the given plans.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidPlanConfiguration)
	}

	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, exists := c.plans[p.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate plan id %s", ErrInvalidPlanConfiguration, p.ID)
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// LoadCatalogFile reads a YAML plan catalog from disk.
//
//	plans:
//	  - id: monthly
//	    name: Monthly Plan
//	    price_id: price_monthly
//	    amount: 5000
//	    currency: usd
//	    interval: monthly
//	    trial_days: 30
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}
	return NewCatalog(doc.Plans...)
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// GetByPriceID returns the plan matching the provider's price identifier.
func (c *Catalog) GetByPriceID(priceID string) (Plan, error) {
	for _, id := range c.order {
		if c.plans[id].PriceID == priceID {
			return c.plans[id], nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

// List returns all plans in definition order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

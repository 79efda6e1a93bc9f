package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// PostgresStore persists subscriptions in the subscriptions table.
//
// UpdateVersioned runs the subscription UPDATE and the ledger INSERT in one
// transaction, gated on the version column. Either both land or neither does.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a subscription store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("billing: nil pgx pool")
	}
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `id, user_id, external_id, external_customer_id, status, plan_id,
amount, currency, current_period_start, current_period_end,
trial_start, trial_end, canceled_at, version, created_at, updated_at`

const insertSubscriptionSQL = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const updateSubscriptionSQL = `
UPDATE subscriptions SET
	external_id = $2, external_customer_id = $3, status = $4, plan_id = $5,
	amount = $6, currency = $7, current_period_start = $8, current_period_end = $9,
	trial_start = $10, trial_end = $11, canceled_at = $12,
	version = version + 1, updated_at = $13
WHERE id = $1 AND version = $14
RETURNING version`

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (Subscription, error) {
	if externalID == "" {
		return Subscription{}, ErrNotFound
	}
	return s.getWhere(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) GetByExternalCustomerID(ctx context.Context, externalCustomerID string) (Subscription, error) {
	if externalCustomerID == "" {
		return Subscription{}, ErrNotFound
	}
	return s.getWhere(ctx, "external_customer_id = $1 ORDER BY created_at DESC LIMIT 1", externalCustomerID)
}

func (s *PostgresStore) GetCurrentByUser(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	return s.getWhere(ctx, "user_id = $1 AND status <> 'canceled' ORDER BY created_at DESC LIMIT 1", userID)
}

func (s *PostgresStore) Create(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	_, err := s.pool.Exec(ctx, insertSubscriptionSQL,
		sub.ID, sub.UserID, nullable(sub.ExternalID), nullable(sub.ExternalCustomerID),
		sub.Status, sub.PlanID, sub.Amount, sub.Currency,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialStart, sub.TrialEnd, sub.CanceledAt,
		sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return Subscription{}, ErrAlreadyExists
		}
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}
	return sub, nil
}

func (s *PostgresStore) UpdateVersioned(ctx context.Context, sub Subscription, expectedVersion int64, entry ledger.Event) (Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var newVersion int64
	err = tx.QueryRow(ctx, updateSubscriptionSQL,
		sub.ID, nullable(sub.ExternalID), nullable(sub.ExternalCustomerID),
		sub.Status, sub.PlanID, sub.Amount, sub.Currency,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialStart, sub.TrialEnd, sub.CanceledAt,
		sub.UpdatedAt, expectedVersion).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row gone or version moved; disambiguate for the caller.
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); qerr != nil {
			return Subscription{}, errors.Join(ErrStoreFailure, qerr)
		}
		if !exists {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, ErrVersionConflict
	}
	if err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO billing_events (id, subscription_id, event_type, external_event_id, success, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (external_event_id) DO NOTHING`,
		entry.ID, entry.SubscriptionID, entry.Type, entry.ExternalEventID,
		entry.Success, meta, entry.CreatedAt); err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}

	sub.Version = newVersion
	return sub, nil
}

func (s *PostgresStore) ListAccessFamily(ctx context.Context) ([]Subscription, error) {
	return s.listWhere(ctx, "status IN ('trialing', 'active', 'past_due') ORDER BY created_at ASC")
}

func (s *PostgresStore) ListExpiredTrials(ctx context.Context, now time.Time) ([]Subscription, error) {
	return s.listWhere(ctx,
		"status = 'trialing' AND trial_end IS NOT NULL AND trial_end <= $1 ORDER BY trial_end ASC", now)
}

func (s *PostgresStore) ListTrialsEndingWithin(ctx context.Context, now time.Time, window time.Duration) ([]Subscription, error) {
	return s.listWhere(ctx,
		"status = 'trialing' AND trial_end IS NOT NULL AND trial_end > $1 AND trial_end <= $2 ORDER BY trial_end ASC",
		now, now.Add(window))
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'trialing'),
	COUNT(*) FILTER (WHERE status = 'active'),
	COUNT(*) FILTER (WHERE status = 'past_due'),
	COUNT(*) FILTER (WHERE status = 'unpaid'),
	COUNT(*) FILTER (WHERE status = 'canceled'),
	COUNT(*) FILTER (WHERE status = 'trialing' AND trial_end IS NOT NULL AND trial_end <= NOW())
FROM subscriptions`).Scan(
		&st.Total, &st.Trialing, &st.Active, &st.PastDue, &st.Unpaid, &st.Canceled, &st.ExpiredTrials)
	if err != nil {
		return Stats{}, errors.Join(ErrStoreFailure, err)
	}
	return st, nil
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, args ...any) (Subscription, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, args...)
	sub, err := scanSubscription(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *PostgresStore) listWhere(ctx context.Context, where string, args ...any) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, args...)
	if err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return out, nil
}

func scanSubscription(scan func(dest ...any) error) (Subscription, error) {
	var (
		sub                    Subscription
		externalID, custID     *string
		periodStart, periodEnd *time.Time
	)
	if err := scan(&sub.ID, &sub.UserID, &externalID, &custID, &sub.Status, &sub.PlanID,
		&sub.Amount, &sub.Currency, &periodStart, &periodEnd,
		&sub.TrialStart, &sub.TrialEnd, &sub.CanceledAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, err
		}
		return Subscription{}, errors.Join(ErrStoreFailure, err)
	}
	if externalID != nil {
		sub.ExternalID = *externalID
	}
	if custID != nil {
		sub.ExternalCustomerID = *custID
	}
	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return sub, nil
}

// nullable maps an empty string to NULL so partial unique indexes on
// external identifiers skip unlinked rows.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

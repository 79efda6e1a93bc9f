package paymentmethod

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists payment methods in the payment_methods table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a payment method store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("paymentmethod: nil pgx pool")
	}
	return &PostgresStore{pool: pool}
}

const methodColumns = `id, user_id, external_id, kind, brand, last4, exp_month, exp_year, is_default, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Method, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, userID uuid.UUID, externalID string) (Method, error) {
	if externalID == "" {
		return Method{}, ErrEmptyExternalID
	}
	return s.getWhere(ctx, "user_id = $1 AND external_id = $2", userID, externalID)
}

func (s *PostgresStore) GetDefault(ctx context.Context, userID uuid.UUID) (Method, error) {
	return s.getWhere(ctx, "user_id = $1 AND is_default", userID)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]Method, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+methodColumns+" FROM payment_methods WHERE user_id = $1 ORDER BY created_at ASC", userID)
	if err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []Method
	for rows.Next() {
		m, err := scanMethod(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return out, nil
}

func (s *PostgresStore) AttachDefault(ctx context.Context, m Method) (Method, error) {
	if err := validate(m); err != nil {
		return Method{}, err
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsDefault = true

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Method{}, errors.Join(ErrStoreFailure, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx,
		`UPDATE payment_methods SET is_default = FALSE, updated_at = $3
WHERE user_id = $1 AND is_default AND external_id <> $2`,
		m.UserID, m.ExternalID, now); err != nil {
		return Method{}, errors.Join(ErrStoreFailure, err)
	}

	// Re-attaching the same instrument refreshes its details, so a card
	// update reported by the provider lands instead of being dropped.
	row := tx.QueryRow(ctx, `
INSERT INTO payment_methods (`+methodColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, external_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    brand = EXCLUDED.brand,
    last4 = EXCLUDED.last4,
    exp_month = EXCLUDED.exp_month,
    exp_year = EXCLUDED.exp_year,
    is_default = TRUE,
    updated_at = EXCLUDED.updated_at
RETURNING `+methodColumns,
		m.ID, m.UserID, m.ExternalID, m.Kind, m.Brand, m.Last4,
		m.ExpMonth, m.ExpYear, m.IsDefault, m.CreatedAt, m.UpdatedAt)
	stored, err := scanMethod(row.Scan)
	if err != nil {
		return Method{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Method{}, errors.Join(ErrStoreFailure, err)
	}
	return stored, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrStoreFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, args ...any) (Method, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+methodColumns+" FROM payment_methods WHERE "+where, args...)
	m, err := scanMethod(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Method{}, ErrNotFound
	}
	if err != nil {
		return Method{}, err
	}
	return m, nil
}

func scanMethod(scan func(dest ...any) error) (Method, error) {
	var m Method
	if err := scan(&m.ID, &m.UserID, &m.ExternalID, &m.Kind, &m.Brand, &m.Last4,
		&m.ExpMonth, &m.ExpYear, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Method{}, err
		}
		return Method{}, errors.Join(ErrStoreFailure, err)
	}
	return m, nil
}

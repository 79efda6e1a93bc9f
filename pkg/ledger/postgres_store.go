package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists ledger entries in the billing_events table. A unique
// index on external_event_id enforces the global idempotency invariant at the
// database level, so concurrent writers racing on the same event resolve to a
// single winner regardless of process count.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a ledger store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("ledger: nil pgx pool")
	}
	return &PostgresStore{pool: pool}
}

const insertEventSQL = `
INSERT INTO billing_events (id, subscription_id, event_type, external_event_id, success, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (external_event_id) DO NOTHING`

const selectEventSQL = `
SELECT id, subscription_id, event_type, external_event_id, success, metadata, created_at
FROM billing_events
WHERE external_event_id = $1`

func (s *PostgresStore) Record(ctx context.Context, event Event) (Event, bool, error) {
	if err := validate(event); err != nil {
		return Event{}, false, err
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return Event{}, false, errors.Join(ErrStoreFailure, err)
	}

	tag, err := s.pool.Exec(ctx, insertEventSQL,
		event.ID, event.SubscriptionID, event.Type, event.ExternalEventID,
		event.Success, meta, event.CreatedAt)
	if err != nil {
		return Event{}, false, errors.Join(ErrStoreFailure, err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the insert race or replayed delivery: hand back the entry that won.
		existing, err := s.getByExternalID(ctx, event.ExternalEventID)
		if err != nil {
			return Event{}, false, err
		}
		return existing, false, nil
	}

	return event, true, nil
}

func (s *PostgresStore) Exists(ctx context.Context, externalEventID string) (bool, error) {
	if externalEventID == "" {
		return false, ErrEmptyExternalEventID
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_events WHERE external_event_id = $1)`,
		externalEventID).Scan(&exists)
	if err != nil {
		return false, errors.Join(ErrStoreFailure, err)
	}
	return exists, nil
}

func (s *PostgresStore) Query(ctx context.Context, subscriptionID uuid.UUID, f Filter) ([]Event, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT id, subscription_id, event_type, external_event_id, success, metadata, created_at
FROM billing_events WHERE subscription_id = $1`)
	args = append(args, subscriptionID)

	if len(f.Types) > 0 {
		args = append(args, f.Types)
		fmt.Fprintf(&sb, " AND event_type = ANY($%d)", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		fmt.Fprintf(&sb, " AND created_at > $%d", len(args))
	}
	if f.SuccessOnly {
		sb.WriteString(" AND success")
	}
	if f.FailedOnly {
		sb.WriteString(" AND NOT success")
	}
	sb.WriteString(" ORDER BY created_at ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return out, nil
}

func (s *PostgresStore) getByExternalID(ctx context.Context, externalEventID string) (Event, error) {
	row := s.pool.QueryRow(ctx, selectEventSQL, externalEventID)
	return scanEvent(row.Scan)
}

func scanEvent(scan func(dest ...any) error) (Event, error) {
	var (
		e    Event
		meta []byte
	)
	if err := scan(&e.ID, &e.SubscriptionID, &e.Type, &e.ExternalEventID, &e.Success, &meta, &e.CreatedAt); err != nil {
		return Event{}, errors.Join(ErrStoreFailure, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return Event{}, errors.Join(ErrStoreFailure, err)
		}
	}
	return e, nil
}

// Package ledger provides the append-only billing event ledger.
//
// Every event that touches a subscription, whether it came from a provider
// webhook, a reconciliation correction, a manual action or a failed transition
// attempt, is recorded here exactly once, keyed by its external event ID. The
// ledger is
// the sole determinant of "have we already applied this?": recording an event
// whose external ID already exists is a no-op that returns the existing entry,
// which is the primitive that makes the whole ingestion pipeline idempotent.
//
// Entries are never updated or deleted. The package intentionally exposes no
// mutation beyond Record.
//
// Two store implementations are provided: a PostgreSQL store backed by a
// unique index on external_event_id, and an in-memory store for tests.
package ledger

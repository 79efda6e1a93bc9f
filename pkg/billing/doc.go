// Package billing owns the subscription model and its state machine.
//
// The external payment provider is the ground truth for billing state; this
// package keeps the local copy consistent with it. All mutation goes through
// Engine.Apply, which serializes concurrent writers per subscription with
// optimistic concurrency on the version counter, deduplicates at-least-once
// event deliveries against the ledger, validates transitions against the
// status table, and runs access side effects exactly once per source event.
//
// Direct field writes bypassing the engine are not possible from outside the
// package's stores: Store.UpdateVersioned is the only mutating write and it
// requires both the expected version and the ledger entry that justifies the
// change, committed together.
package billing

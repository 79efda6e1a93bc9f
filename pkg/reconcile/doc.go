// Package reconcile is the drift-correcting safety net under the webhook
// stream. It periodically compares local subscription state against the
// provider's authoritative view and routes every correction through the same
// billing engine the webhooks use, with deterministic synthetic event IDs so
// repeated runs against unchanged remote state apply nothing twice.
package reconcile

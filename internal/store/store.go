// Package store defines the durable-store contract for ledger blobs and
// ships two implementations: an in-memory map (tests, local dev) and a
// Postgres-backed store using pgx and golang-migrate.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by FetchLedger when the user has no primary record.
var ErrNotFound = errors.New("store: ledger not found")

// Store is the three-operation durable-store contract. Implementations
// may fail with any error; callers treat every failure as "durability
// unknown" and log rather than propagate to the caller's caller.
type Store interface {
	// FetchLedger returns the latest ledger blob for userID, or
	// ErrNotFound if the user has no primary record yet.
	FetchLedger(ctx context.Context, userID string) ([]byte, error)

	// StoreLedger writes blob as the user's current ledger, overwriting
	// any previous primary record, and returns an opaque identifier.
	// Idempotent: calling it twice with the same blob leaves the store
	// in the same observable state.
	StoreLedger(ctx context.Context, userID string, blob []byte) (string, error)

	// SnapshotLedger appends an immutable timestamped copy of blob.
	// Returns "", nil if the user has no primary record yet — a
	// snapshot without a primary record to anchor it is meaningless.
	SnapshotLedger(ctx context.Context, userID string, blob []byte, at time.Time) (string, error)
}

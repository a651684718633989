//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"tollbooth/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestPostgresStoreFetchMissingReturnsErrNotFound(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	defer cleanupTestStore(t, s)

	_, err := s.FetchLedger(context.Background(), "user-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreStoreThenFetchRoundTrips(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	defer cleanupTestStore(t, s)
	ctx := context.Background()

	_, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":100}`))
	require.NoError(t, err)

	blob, err := s.FetchLedger(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance_api_sats":100}`, string(blob))
}

func TestPostgresStoreStoreLedgerUpsertsOnConflict(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	defer cleanupTestStore(t, s)
	ctx := context.Background()

	_, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":1}`))
	require.NoError(t, err)
	_, err = s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":2}`))
	require.NoError(t, err)

	blob, err := s.FetchLedger(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance_api_sats":2}`, string(blob))
}

func TestPostgresStoreSnapshotWithoutPrimaryRecordReturnsEmptyID(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	defer cleanupTestStore(t, s)

	id, err := s.SnapshotLedger(context.Background(), "user-ghost", []byte(`{}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestPostgresStoreSnapshotAppendsImmutableRows(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	defer cleanupTestStore(t, s)
	ctx := context.Background()

	_, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":1}`))
	require.NoError(t, err)

	id1, err := s.SnapshotLedger(ctx, "user-1", []byte(`{"balance_api_sats":1}`), time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.SnapshotLedger(ctx, "user-1", []byte(`{"balance_api_sats":2}`), time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	var count int
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_snapshots WHERE user_id = $1`, "user-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFetchMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.FetchLedger(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreStoreThenFetchRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":10}`))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	blob, err := s.FetchLedger(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance_api_sats":10}`, string(blob))
}

func TestMemoryStoreStoreLedgerIsIdempotentOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":10}`))
	require.NoError(t, err)
	_, err = s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":20}`))
	require.NoError(t, err)

	blob, err := s.FetchLedger(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance_api_sats":20}`, string(blob))
}

func TestMemoryStoreSnapshotWithoutPrimaryReturnsEmpty(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.SnapshotLedger(context.Background(), "ghost", []byte(`{}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestMemoryStoreSnapshotAppendsImmutableCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.StoreLedger(ctx, "user-1", []byte(`{"balance_api_sats":1}`))
	require.NoError(t, err)

	t1 := time.Now()
	id1, err := s.SnapshotLedger(ctx, "user-1", []byte(`{"balance_api_sats":1}`), t1)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	t2 := t1.Add(24 * time.Hour)
	id2, err := s.SnapshotLedger(ctx, "user-1", []byte(`{"balance_api_sats":2}`), t2)
	require.NoError(t, err)

	snaps := s.Snapshots("user-1")
	require.Len(t, snaps, 2)
	assert.NotEqual(t, id1, id2)
	assert.JSONEq(t, `{"balance_api_sats":1}`, string(snaps[0].blob))
	assert.JSONEq(t, `{"balance_api_sats":2}`, string(snaps[1].blob))
}

package ledgercache

import (
	"context"
	"testing"
	"time"

	"tollbooth/internal/ledger"
	"tollbooth/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.FlushInterval = time.Hour // opportunistic flush never fires mid-test
	cfg.FlushRetries = 0
	cfg.FlushRetryDelay = time.Millisecond
	return cfg
}

func TestGetOnMissSynthesizesFreshLedger(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig())
	l := c.Get(context.Background(), "user-1")
	assert.Equal(t, 0, l.BalanceApiSats)
}

func TestGetOnMissLoadsFromStore(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()
	seed := ledger.New()
	seed.CreditDeposit(500, "inv-1")
	blob, err := seed.Encode()
	require.NoError(t, err)
	_, err = backing.StoreLedger(ctx, "user-1", blob)
	require.NoError(t, err)

	c := New(backing, testConfig())
	l := c.Get(ctx, "user-1")
	assert.Equal(t, 500, l.BalanceApiSats)
}

func TestMarkDirtyIsNoOpWhenNotCached(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig())
	c.MarkDirty("never-loaded")
	assert.Equal(t, 0, c.DirtyCount())
}

func TestFlushUserClearsDirtyOnSuccess(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig())
	ctx := context.Background()

	l := c.Get(ctx, "user-1")
	l.CreditDeposit(10, "inv-1")
	c.MarkDirty("user-1")
	assert.Equal(t, 1, c.DirtyCount())

	ok := c.FlushUser(ctx, "user-1")
	assert.True(t, ok)
	assert.Equal(t, 0, c.DirtyCount())
	assert.Equal(t, 1, c.Health().TotalFlushes)
}

// failingStore always fails StoreLedger, to exercise bounded retry.
type failingStore struct {
	store.Store
	attempts int
}

func (f *failingStore) StoreLedger(ctx context.Context, userID string, blob []byte) (string, error) {
	f.attempts++
	return "", assert.AnError
}

func TestFlushUserExhaustsBoundedRetries(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore()}
	cfg := testConfig()
	cfg.FlushRetries = 2
	cfg.FlushRetryDelay = time.Millisecond
	c := New(fs, cfg)
	ctx := context.Background()

	l := c.Get(ctx, "user-1")
	l.CreditDeposit(10, "inv-1")
	c.MarkDirty("user-1")

	ok := c.FlushUser(ctx, "user-1")
	assert.False(t, ok)
	assert.Equal(t, 3, fs.attempts) // 1 + FlushRetries
	assert.Equal(t, 1, c.DirtyCount())
}

func TestLRUEvictionFlushesDirtyEntryFirst(t *testing.T) {
	backing := store.NewMemoryStore()
	c := New(backing, testConfig()) // MaxSize 2
	ctx := context.Background()

	a := c.Get(ctx, "A")
	a.CreditDeposit(42, "inv-a")
	c.MarkDirty("A")

	c.Get(ctx, "B")
	// Loading C evicts the LRU entry (A), which must flush its dirty
	// state before being dropped from the cache.
	c.Get(ctx, "C")

	blob, err := backing.FetchLedger(ctx, "A")
	require.NoError(t, err)
	decoded := ledger.Decode(blob)
	assert.Equal(t, 42, decoded.BalanceApiSats)

	assert.Equal(t, 2, c.Size())

	// A later Get("A") must be a genuine cache miss that reloads from
	// the store and observes the flushed balance.
	reloaded := c.Get(ctx, "A")
	assert.Equal(t, 42, reloaded.BalanceApiSats)
}

func TestSnapshotAllCountsSuccessesOnly(t *testing.T) {
	backing := store.NewMemoryStore()
	c := New(backing, testConfig())
	ctx := context.Background()

	c.Get(ctx, "has-primary")
	c.MarkDirty("has-primary")
	c.FlushUser(ctx, "has-primary") // ensure a primary record exists
	c.Get(ctx, "no-primary-yet")    // loaded but never flushed, no primary row

	n := c.SnapshotAll(ctx, time.Now())
	assert.Equal(t, 1, n)
}

func TestFlushDirtyFlushesEveryDirtyEntry(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig())
	ctx := context.Background()

	c.Get(ctx, "A").CreditDeposit(1, "inv-a")
	c.MarkDirty("A")
	c.Get(ctx, "B").CreditDeposit(1, "inv-b")
	c.MarkDirty("B")

	n := c.FlushDirty(ctx)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, c.DirtyCount())
}

func TestStartStopBackgroundFlushPerformsFinalFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	c := New(store.NewMemoryStore(), cfg)
	ctx := context.Background()

	c.Get(ctx, "user-1").CreditDeposit(7, "inv-1")
	c.MarkDirty("user-1")

	c.StartBackgroundFlush()
	// A second start is a no-op, not a second goroutine.
	c.StartBackgroundFlush()

	c.Stop(ctx)
	assert.Equal(t, 0, c.DirtyCount())
	assert.False(t, c.Health().BackgroundFlushRunning)
}

func TestHealthReportsCacheState(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig())
	ctx := context.Background()
	c.Get(ctx, "user-1").CreditDeposit(1, "inv-1")
	c.MarkDirty("user-1")

	h := c.Health()
	assert.Equal(t, 1, h.CacheSize)
	assert.Equal(t, 1, h.DirtyEntries)
	assert.False(t, h.BackgroundFlushRunning)
}

// Package ledgercache is the hot-path, write-behind cache sitting in
// front of a durable store.Store backend. Reads are served from a
// bounded LRU; mutations are marked dirty and flushed asynchronously,
// except on credit-critical paths which flush synchronously before
// returning to the caller.
package ledgercache

import (
	"context"
	"sync"
	"time"

	"tollbooth/internal/ledger"
	"tollbooth/internal/store"
	"tollbooth/pkg/logger"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

type cacheEntry struct {
	ledger *ledger.UserLedger
	dirty  bool
}

// Config tunes the cache's capacity and flush behavior.
type Config struct {
	MaxSize         int
	FlushInterval   time.Duration
	FlushRetries    int
	FlushRetryDelay time.Duration
}

// DefaultConfig returns the size, flush interval, and retry settings
// used in production.
func DefaultConfig() Config {
	return Config{
		MaxSize:         20,
		FlushInterval:   60 * time.Second,
		FlushRetries:    1,
		FlushRetryDelay: 2 * time.Second,
	}
}

// Cache is an LRU cache of UserLedger entries backed by a store.Store,
// with write-behind flush and per-user mutual exclusion.
type Cache struct {
	cfg   Config
	store store.Store

	mu      sync.Mutex // guards entries and locks
	entries *lru.Cache[string, *cacheEntry]
	locks   map[string]*sync.Mutex

	lastFlushCheck time.Time
	lastFlushAt    *time.Time
	totalFlushes   int

	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

// New constructs a Cache. maxSize <= 0 falls back to DefaultConfig's value.
func New(backing store.Store, cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}

	c := &Cache{
		cfg:            cfg,
		store:          backing,
		locks:          map[string]*sync.Mutex{},
		lastFlushCheck: time.Now(),
	}

	evictCallback := func(userID string, entry *cacheEntry) {
		if entry.dirty {
			c.flushEntry(context.Background(), userID, entry)
		}
		c.mu.Lock()
		delete(c.locks, userID)
		c.mu.Unlock()
	}
	entries, err := lru.NewWithEvict(cfg.MaxSize, evictCallback)
	if err != nil {
		// Only fails for non-positive size, already guarded above.
		panic(err)
	}
	c.entries = entries
	return c
}

func (c *Cache) lockFor(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

// Get returns the cached ledger for userID, loading it from the
// durable store on a miss. It first runs the opportunistic flush check
// so environments without a running background task still persist.
func (c *Cache) Get(ctx context.Context, userID string) *ledger.UserLedger {
	c.maybeFlush(ctx)

	lock := c.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	if entry, ok := c.entries.Get(userID); ok {
		return entry.ledger
	}

	loaded := c.loadFromStore(ctx, userID)
	// entries.Add may synchronously evict the current LRU tail, whose
	// callback flushes it and removes its per-user lock — never call
	// this while holding c.mu.
	c.entries.Add(userID, &cacheEntry{ledger: loaded})

	return loaded
}

func (c *Cache) loadFromStore(ctx context.Context, userID string) *ledger.UserLedger {
	blob, err := c.store.FetchLedger(ctx, userID)
	if err != nil {
		if err != store.ErrNotFound {
			logger.Warn("failed to load ledger from store", zap.String("user_id", userID), zap.Error(err))
		}
		return ledger.New()
	}
	return ledger.Decode(blob)
}

// MarkDirty flags userID's cached entry as needing a flush. Silently a
// no-op if the entry is not cached.
func (c *Cache) MarkDirty(userID string) {
	if entry, ok := c.entries.Peek(userID); ok {
		entry.dirty = true
	}
}

// FlushUser immediately flushes userID's entry if dirty. Returns true
// if there was nothing to do or the flush succeeded, false if the
// flush exhausted its retries. Credit-critical paths call it right after
// each mutation; a false return leaves the entry dirty for a later flush.
func (c *Cache) FlushUser(ctx context.Context, userID string) bool {
	entry, ok := c.entries.Peek(userID)
	if !ok || !entry.dirty {
		return true
	}
	return c.flushEntry(ctx, userID, entry)
}

func (c *Cache) flushEntry(ctx context.Context, userID string, entry *cacheEntry) bool {
	maxAttempts := 1 + c.cfg.FlushRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		blob, err := entry.ledger.Encode()
		if err == nil {
			if _, err = c.store.StoreLedger(ctx, userID, blob); err == nil {
				entry.dirty = false
				now := time.Now()
				c.mu.Lock()
				c.lastFlushAt = &now
				c.totalFlushes++
				c.mu.Unlock()
				return true
			}
		}

		if attempt < maxAttempts-1 {
			logger.Warn("ledger flush attempt failed, retrying",
				zap.String("user_id", userID),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
			select {
			case <-time.After(c.cfg.FlushRetryDelay):
			case <-ctx.Done():
				return false
			}
		} else {
			logger.Error("ledger flush exhausted retries",
				zap.String("user_id", userID),
				zap.Int("attempts", maxAttempts),
				zap.Error(err))
		}
	}
	return false
}

// FlushDirty flushes every dirty cached entry. Returns the number of
// entries successfully flushed.
func (c *Cache) FlushDirty(ctx context.Context) int {
	flushed := 0
	for _, userID := range c.entries.Keys() {
		entry, ok := c.entries.Peek(userID)
		if !ok || !entry.dirty {
			continue
		}
		if c.flushEntry(ctx, userID, entry) {
			flushed++
		}
	}
	return flushed
}

// FlushAll flushes every dirty entry; used during shutdown.
func (c *Cache) FlushAll(ctx context.Context) int {
	return c.FlushDirty(ctx)
}

// SnapshotAll snapshots every cached ledger to the durable store at the
// given timestamp. Returns the number of snapshots actually created.
func (c *Cache) SnapshotAll(ctx context.Context, at time.Time) int {
	snapped := 0
	for _, userID := range c.entries.Keys() {
		entry, ok := c.entries.Peek(userID)
		if !ok {
			continue
		}
		blob, err := entry.ledger.Encode()
		if err != nil {
			continue
		}
		id, err := c.store.SnapshotLedger(ctx, userID, blob, at)
		if err != nil {
			logger.Warn("failed to snapshot ledger", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if id != "" {
			snapped++
		}
	}
	return snapped
}

func (c *Cache) maybeFlush(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	if now.Sub(c.lastFlushCheck) < c.cfg.FlushInterval {
		c.mu.Unlock()
		return
	}
	c.lastFlushCheck = now
	c.mu.Unlock()

	if c.DirtyCount() > 0 {
		if n := c.FlushDirty(ctx); n > 0 {
			logger.Info("opportunistic flush wrote ledgers", zap.Int("count", n))
		}
	}
}

// StartBackgroundFlush starts the periodic background flush loop. A
// second call while one is already running is a no-op.
func (c *Cache) StartBackgroundFlush() {
	c.mu.Lock()
	if c.flushCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.flushCancel = cancel
	c.flushDone = make(chan struct{})
	c.mu.Unlock()

	go c.backgroundFlushLoop(ctx)
}

func (c *Cache) backgroundFlushLoop(ctx context.Context) {
	defer close(c.flushDone)

	logger.Warn("background flush loop started",
		zap.Duration("interval", c.cfg.FlushInterval))

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := c.FlushDirty(ctx)
			cycles++
			if count > 0 {
				logger.Info("background flush wrote ledgers",
					zap.Int("count", count), zap.Int("cycle", cycles), zap.Int("total_flushes", c.totalFlushes))
			} else if cycles%10 == 0 {
				logger.Info("background flush heartbeat",
					zap.Int("cycle", cycles), zap.Int("cache_size", c.Size()),
					zap.Int("dirty", c.DirtyCount()), zap.Int("total_flushes", c.totalFlushes))
			}
		}
	}
}

// Stop cancels the background flush loop, waits for it to exit, then
// performs one final flush of everything still dirty.
func (c *Cache) Stop(ctx context.Context) {
	c.mu.Lock()
	cancel := c.flushCancel
	done := c.flushDone
	c.flushCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.FlushAll(ctx)
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// DirtyCount returns the number of cached entries awaiting flush.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, userID := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(userID); ok && entry.dirty {
			count++
		}
	}
	return count
}

// Health is a point-in-time snapshot of cache health metrics.
type Health struct {
	CacheSize               int
	DirtyEntries            int
	LastFlushAt             *time.Time
	TotalFlushes            int
	FlushRetries            int
	FlushRetryDelay         time.Duration
	BackgroundFlushRunning  bool
	LastFlushCheckAgeSecs   float64
}

// Health reports current cache health metrics for monitoring.
func (c *Cache) Health() Health {
	c.mu.Lock()
	running := c.flushCancel != nil
	lastFlushAt := c.lastFlushAt
	lastCheck := c.lastFlushCheck
	totalFlushes := c.totalFlushes
	c.mu.Unlock()

	return Health{
		CacheSize:              c.Size(),
		DirtyEntries:           c.DirtyCount(),
		LastFlushAt:            lastFlushAt,
		TotalFlushes:           totalFlushes,
		FlushRetries:           c.cfg.FlushRetries,
		FlushRetryDelay:        c.cfg.FlushRetryDelay,
		BackgroundFlushRunning: running,
		LastFlushCheckAgeSecs:  time.Since(lastCheck).Seconds(),
	}
}

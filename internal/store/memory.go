package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process map-backed Store. It has no durability
// across restarts and is the simplest pluggable backend: used by tests
// and by deployments that accept losing balances on process restart.
type MemoryStore struct {
	mu        sync.RWMutex
	primary   map[string][]byte
	snapshots map[string][]snapshotEntry
}

type snapshotEntry struct {
	id   string
	at   time.Time
	blob []byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		primary:   map[string][]byte{},
		snapshots: map[string][]snapshotEntry{},
	}
}

func (s *MemoryStore) FetchLedger(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.primary[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (s *MemoryStore) StoreLedger(_ context.Context, userID string, blob []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.primary[userID] = cp
	return userID, nil
}

func (s *MemoryStore) SnapshotLedger(_ context.Context, userID string, blob []byte, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.primary[userID]; !ok {
		return "", nil
	}

	cp := make([]byte, len(blob))
	copy(cp, blob)
	id := uuid.NewString()
	s.snapshots[userID] = append(s.snapshots[userID], snapshotEntry{id: id, at: at, blob: cp})
	return id, nil
}

// Snapshots returns the recorded snapshots for userID, oldest first.
// Exposed for tests that assert on the daily-child history behavior.
func (s *MemoryStore) Snapshots(userID string) []snapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]snapshotEntry, len(s.snapshots[userID]))
	copy(out, s.snapshots[userID])
	return out
}

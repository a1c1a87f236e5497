// Package persistence defines the storage ports for reconciled state and an
// in-memory implementation. Database-backed stores live in subpackages.
package persistence

import (
	"context"
	"sync"

	"github.com/coachpo/ordersync/internal/domain/order"
)

// SnapshotStore persists order snapshots so merged history survives restarts.
type SnapshotStore interface {
	// Load returns the stored snapshot and whether one exists.
	Load(ctx context.Context, orderID string) (order.Snapshot, bool, error)
	Save(ctx context.Context, snapshot order.Snapshot) error
}

// MemorySnapshotStore keeps snapshots in process memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]order.Snapshot
}

// NewMemorySnapshotStore constructs an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]order.Snapshot)}
}

// Load implements SnapshotStore.
func (s *MemorySnapshotStore) Load(_ context.Context, orderID string) (order.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[orderID]
	if !ok {
		return order.Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(_ context.Context, snapshot order.Snapshot) error {
	s.mu.Lock()
	s.snapshots[snapshot.OrderID] = snapshot.Clone()
	s.mu.Unlock()
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/ordersync/internal/domain/order"
)

// SnapshotStore persists order snapshots as JSONB documents.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore constructs a SnapshotStore backed by pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const (
	snapshotUpsertSQL = `
INSERT INTO order_snapshots (order_id, status, timeline_len, snapshot, updated_at)
VALUES (@order_id, @status, @timeline_len, @snapshot::jsonb, @updated_at)
ON CONFLICT (order_id) DO UPDATE SET
    status = EXCLUDED.status,
    timeline_len = EXCLUDED.timeline_len,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at
WHERE order_snapshots.timeline_len <= EXCLUDED.timeline_len;
`

	snapshotSelectSQL = `
SELECT snapshot
FROM order_snapshots
WHERE order_id = $1;
`
)

// Save upserts the snapshot. A write carrying a shorter timeline than the
// stored one is ignored so history is never truncated.
func (s *SnapshotStore) Save(ctx context.Context, snapshot order.Snapshot) error {
	if snapshot.OrderID == "" {
		return fmt.Errorf("save snapshot: order id required")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"order_id":     snapshot.OrderID,
		"status":       snapshot.Status,
		"timeline_len": len(snapshot.Timeline),
		"snapshot":     string(payload),
		"updated_at":   updatedAt,
	}
	if _, err := s.pool.Exec(ctx, snapshotUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snapshot.OrderID, err)
	}
	return nil
}

// Load returns the stored snapshot for orderID.
func (s *SnapshotStore) Load(ctx context.Context, orderID string) (order.Snapshot, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, snapshotSelectSQL, orderID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Snapshot{}, false, nil
	}
	if err != nil {
		return order.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", orderID, err)
	}
	var snapshot order.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return order.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", orderID, err)
	}
	return snapshot, true, nil
}

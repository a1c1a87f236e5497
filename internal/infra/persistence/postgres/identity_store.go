package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultIdentitySlot names the row used when no slot is configured.
const DefaultIdentitySlot = "default"

// IdentityStore keeps the guest cart token in the cart_identity table, one row
// per slot.
type IdentityStore struct {
	pool *pgxpool.Pool
	slot string
}

// NewIdentityStore constructs an IdentityStore for slot.
func NewIdentityStore(pool *pgxpool.Pool, slot string) *IdentityStore {
	if slot == "" {
		slot = DefaultIdentitySlot
	}
	return &IdentityStore{pool: pool, slot: slot}
}

const (
	identitySelectSQL = `SELECT cart_token FROM cart_identity WHERE slot = $1;`
	identityUpsertSQL = `
INSERT INTO cart_identity (slot, cart_token, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (slot) DO UPDATE SET
    cart_token = EXCLUDED.cart_token,
    updated_at = EXCLUDED.updated_at;
`
	identityDeleteSQL = `DELETE FROM cart_identity WHERE slot = $1;`
)

// Get implements cart.IdentityStore.
func (s *IdentityStore) Get(ctx context.Context) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, identitySelectSQL, s.slot).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cart token: %w", err)
	}
	return token, nil
}

// Set implements cart.IdentityStore.
func (s *IdentityStore) Set(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx, identityUpsertSQL, s.slot, token); err != nil {
		return fmt.Errorf("save cart token: %w", err)
	}
	return nil
}

// Clear implements cart.IdentityStore.
func (s *IdentityStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, identityDeleteSQL, s.slot); err != nil {
		return fmt.Errorf("clear cart token: %w", err)
	}
	return nil
}

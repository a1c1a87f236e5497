package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/ordersync/internal/domain/errs"
)

// DefaultRedisKey is used when no key is configured.
const DefaultRedisKey = "ordersync:cart_token"

// Redis stores the token under a single key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to addr and stores the token under key.
func NewRedis(addr, password string, db int, key string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(rdb, key)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Get implements cart.IdentityStore.
func (r *Redis) Get(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errs.New(component, errs.CodeUnavailable, errs.WithCause(fmt.Errorf("redis get: %w", err)))
	}
	return token, nil
}

// Set implements cart.IdentityStore.
func (r *Redis) Set(ctx context.Context, token string) error {
	if err := r.client.Set(ctx, r.key, token, 0).Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithCause(fmt.Errorf("redis set: %w", err)))
	}
	return nil
}

// Clear implements cart.IdentityStore.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithCause(fmt.Errorf("redis del: %w", err)))
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

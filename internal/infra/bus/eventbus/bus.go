// Package eventbus fans reconciled snapshots out to many readers by topic.
package eventbus

import (
	"context"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers values published on a topic to every subscriber of that topic.
type Bus[T any] interface {
	Publish(ctx context.Context, topic string, value T) error
	Subscribe(ctx context.Context, topic string) (SubscriptionID, <-chan T, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	// Name labels the bus in metrics.
	Name          string
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/bus/eventbus"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/observability"
)

// VerificationTopic carries account verification status changes.
const VerificationTopic = "verification"

// VerificationBanner keeps the latest verification status per user type.
type VerificationBanner struct {
	bus eventbus.Bus[order.VerificationStatus]

	mu     sync.RWMutex
	latest map[string]order.VerificationStatus
	leases []*channel.Lease
}

// NewVerificationBanner constructs a banner publishing on bus. bus may be nil.
func NewVerificationBanner(bus eventbus.Bus[order.VerificationStatus]) *VerificationBanner {
	return &VerificationBanner{bus: bus, latest: make(map[string]order.VerificationStatus)}
}

// Apply records status and publishes it when it differs from the stored one.
func (b *VerificationBanner) Apply(ctx context.Context, status order.VerificationStatus) bool {
	b.mu.Lock()
	if current, ok := b.latest[status.UserType]; ok && current == status {
		b.mu.Unlock()
		return false
	}
	b.latest[status.UserType] = status
	b.mu.Unlock()

	if b.bus != nil {
		if err := b.bus.Publish(ctx, VerificationTopic, status); err != nil {
			observability.Log().Error("publish verification status failed", observability.Field{Key: "error", Value: err})
		}
	}
	return true
}

// Latest returns the status recorded for userType.
func (b *VerificationBanner) Latest(userType string) (order.VerificationStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status, ok := b.latest[userType]
	return status, ok
}

// All returns every recorded status ordered by user type.
func (b *VerificationBanner) All() []order.VerificationStatus {
	b.mu.RLock()
	out := make([]order.VerificationStatus, 0, len(b.latest))
	for _, status := range b.latest {
		out = append(out, status)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserType < out[j].UserType })
	return out
}

// Handle applies verification frames and ignores everything else.
func (b *VerificationBanner) Handle(frame []byte) {
	evt, err := order.Decode(frame)
	if err != nil {
		if !errors.Is(err, order.ErrUnknownEvent) {
			observability.Log().Debug("verification banner skipped frame", observability.Field{Key: "error", Value: err})
		}
		return
	}
	if changed, ok := evt.(order.VerificationChanged); ok {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		b.Apply(ctx, changed.Status)
	}
}

// Attach listens for verification frames on role until Detach.
func (b *VerificationBanner) Attach(ctx context.Context, leaser Leaser, role string) error {
	lease, err := leaser.Acquire(ctx, role)
	if err != nil {
		return err
	}
	lease.On(channel.OnMessage, func(evt channel.Event) {
		b.Handle(evt.Data)
	})
	b.mu.Lock()
	b.leases = append(b.leases, lease)
	b.mu.Unlock()
	return nil
}

// Detach releases every lease taken by Attach.
func (b *VerificationBanner) Detach() {
	b.mu.Lock()
	leases := b.leases
	b.leases = nil
	b.mu.Unlock()
	for _, lease := range leases {
		lease.Release()
	}
}

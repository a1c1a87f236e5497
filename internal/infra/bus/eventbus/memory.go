package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of Bus. Slow subscribers lose their
// oldest buffered value; publishers never block.
type MemoryBus[T any] struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*subscriber[T]
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter       metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	ch     chan T
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus[T any](cfg MemoryConfig) *MemoryBus[T] {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus[T])
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[string]map[SubscriptionID]*subscriber[T])

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of values published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries that displaced an older buffered value"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the value out to all subscribers of topic.
func (b *MemoryBus[T]) Publish(ctx context.Context, topic string, value T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(b.cfg.Name),
	)
	defer func() {
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}()

	b.mu.RLock()
	subMap := b.subscribers[topic]
	subs := make([]*subscriber[T], 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	b.fanoutHistogram.Record(ctx, int64(len(subs)), attrs)
	b.publishedCounter.Add(ctx, 1, attrs)
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 {
		b.deliver(ctx, topic, subs[0], value)
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() {
			b.deliver(ctx, topic, sub, value)
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers for values on topic. The channel closes when ctx ends,
// on Unsubscribe or on Close.
func (b *MemoryBus[T]) Subscribe(ctx context.Context, topic string) (SubscriptionID, <-chan T, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber[T])
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan T, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber[T])
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(b.cfg.Name)))

	go b.observe(topic, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus[T]) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	var found *subscriber[T]
	for _, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			break
		}
	}
	b.mu.RUnlock()
	if found != nil {
		found.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus[T]) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber[T], 0)
		for topic, byID := range b.subscribers {
			for _, sub := range byID {
				subs = append(subs, sub)
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *MemoryBus[T]) observe(topic string, id SubscriptionID, sub *subscriber[T]) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	removed := false
	b.mu.Lock()
	if subs := b.subscribers[topic]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	b.mu.Unlock()
	if removed {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopic.String(b.cfg.Name)))
	}
	sub.close()
}

func (b *MemoryBus[T]) deliver(ctx context.Context, topic string, sub *subscriber[T], value T) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- value:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	observability.Log().Debug("eventbus: subscriber buffer full; dropped oldest",
		observability.Field{Key: "bus", Value: b.cfg.Name},
		observability.Field{Key: "topic", Value: topic})
	b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(b.cfg.Name)))
	select {
	case sub.ch <- value:
	default:
	}
}

func (s *subscriber[T]) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Package tracking binds the order reducer to push-channel roles.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/bus/eventbus"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/persistence"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const (
	component      = "tracking"
	persistTimeout = 5 * time.Second
)

// OrderTopic is the bus topic carrying snapshots of one order.
func OrderTopic(orderID string) string { return "order:" + orderID }

// SuggestionsTopic is the bus topic carrying replacement-vendor suggestions.
func SuggestionsTopic(orderID string) string { return "suggestions:" + orderID }

// Leaser hands out reference-counted channel leases. *channel.Manager
// implements it.
type Leaser interface {
	Acquire(ctx context.Context, role string) (*channel.Lease, error)
}

// Deps are the collaborators shared by trackers.
type Deps struct {
	Snapshots   persistence.SnapshotStore
	Orders      eventbus.Bus[order.Snapshot]
	Suggestions eventbus.Bus[order.Suggestions]
	Banner      *VerificationBanner
	DeadLetters *observability.DeadLetterQueue
	Now         func() time.Time
}

// Tracker owns the merged snapshot of one order.
type Tracker struct {
	orderID string
	deps    Deps

	// writeMu serialises Handle so merges, saves and publishes keep frame order.
	writeMu sync.Mutex

	mu          sync.RWMutex
	snapshot    order.Snapshot
	suggestions *order.Suggestions

	events metric.Int64Counter
}

// NewTracker constructs a tracker for orderID with an empty snapshot.
func NewTracker(orderID string, deps Deps) (*Tracker, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if deps.Snapshots == nil {
		deps.Snapshots = persistence.NewMemorySnapshotStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	t := &Tracker{orderID: orderID, deps: deps, snapshot: order.NewSnapshot(orderID)}
	t.events = newEventCounter()
	return t, nil
}

// OrderID returns the tracked order.
func (t *Tracker) OrderID() string { return t.orderID }

// Snapshot returns a copy of the merged snapshot.
func (t *Tracker) Snapshot() order.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot.Clone()
}

// Suggestions returns the latest replacement-vendor suggestions, if any.
func (t *Tracker) Suggestions() (order.Suggestions, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.suggestions == nil {
		return order.Suggestions{}, false
	}
	out := *t.suggestions
	out.Vendors = append([]order.SuggestedVendor(nil), t.suggestions.Vendors...)
	return out, true
}

// DismissSuggestions clears the transient suggestions.
func (t *Tracker) DismissSuggestions() {
	t.mu.Lock()
	t.suggestions = nil
	t.mu.Unlock()
}

// Restore adopts the persisted snapshot when it carries more history than the
// in-memory one.
func (t *Tracker) Restore(ctx context.Context) error {
	stored, ok, err := t.deps.Snapshots.Load(ctx, t.orderID)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("restore snapshot"), errs.WithCause(err))
	}
	if !ok {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	adopted := len(stored.Timeline) >= len(t.snapshot.Timeline)
	if adopted {
		stored.OrderID = t.orderID
		t.snapshot = stored
	}
	t.mu.Unlock()
	if adopted {
		t.publishSnapshot(ctx, stored)
	}
	return nil
}

// Handle decodes and applies one frame. Malformed frames are logged, offered
// to the dead-letter queue and dropped; Handle never panics.
func (t *Tracker) Handle(frame []byte) {
	evt, err := order.Decode(frame)
	if err != nil {
		logDecodeFailure(err, observability.Field{Key: "order_id", Value: t.orderID})
		t.drop(frame, err.Error())
		return
	}
	t.apply(frame, evt)
}

// apply merges an already decoded frame into the snapshot.
func (t *Tracker) apply(frame []byte, evt order.Event) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("order tracker recovered from panic",
				observability.Field{Key: "order_id", Value: t.orderID},
				observability.Field{Key: "panic", Value: r})
			t.drop(frame, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch e := evt.(type) {
	case order.VerificationChanged:
		if t.deps.Banner != nil {
			t.deps.Banner.Apply(ctx, e.Status)
		}
		t.record(ctx, evt.Type(), telemetry.ResultSuccess)
		return
	case order.CancelledSuggestions:
		if !t.owns(evt) {
			return
		}
		t.applySuggestions(ctx, e)
		t.record(ctx, evt.Type(), telemetry.ResultSuccess)
		return
	}

	if !t.owns(evt) {
		return
	}
	t.mu.Lock()
	next, changed := order.Apply(t.snapshot, evt, t.deps.Now())
	if changed {
		t.snapshot = next
	}
	t.mu.Unlock()
	if !changed {
		t.record(ctx, evt.Type(), telemetry.ResultStale)
		return
	}
	t.record(ctx, evt.Type(), telemetry.ResultSuccess)

	if err := t.deps.Snapshots.Save(ctx, next); err != nil {
		observability.Log().Error("persist order snapshot failed",
			observability.Field{Key: "order_id", Value: t.orderID},
			observability.Field{Key: "error", Value: err})
	}
	t.publishSnapshot(ctx, next)
}

func (t *Tracker) owns(evt order.Event) bool {
	id := evt.Order()
	return id == "" || id == t.orderID
}

func (t *Tracker) applySuggestions(ctx context.Context, e order.CancelledSuggestions) {
	suggestions := order.Suggestions{
		OrderID:    t.orderID,
		Reason:     e.Reason,
		Vendors:    append([]order.SuggestedVendor(nil), e.Vendors...),
		ReceivedAt: t.deps.Now(),
	}
	t.mu.Lock()
	stored := suggestions
	t.suggestions = &stored
	t.mu.Unlock()
	if t.deps.Suggestions == nil {
		return
	}
	if err := t.deps.Suggestions.Publish(ctx, SuggestionsTopic(t.orderID), suggestions); err != nil {
		observability.Log().Error("publish suggestions failed", observability.Field{Key: "error", Value: err})
	}
}

func (t *Tracker) publishSnapshot(ctx context.Context, snap order.Snapshot) {
	if t.deps.Orders == nil {
		return
	}
	if err := t.deps.Orders.Publish(ctx, OrderTopic(t.orderID), snap.Clone()); err != nil {
		observability.Log().Error("publish order snapshot failed",
			observability.Field{Key: "order_id", Value: t.orderID},
			observability.Field{Key: "error", Value: err})
	}
}

func (t *Tracker) drop(frame []byte, reason string) {
	t.deps.DeadLetters.Offer(observability.DroppedFrame{
		Source:     OrderTopic(t.orderID),
		Reason:     reason,
		Payload:    frame,
		ReceivedAt: t.deps.Now(),
	})
	t.record(context.Background(), "", telemetry.ResultDropped)
}

func (t *Tracker) record(ctx context.Context, eventType order.EventType, result string) {
	recordEvent(ctx, t.events, eventType, result)
}

func newEventCounter() metric.Int64Counter {
	counter, _ := otel.Meter("tracking").Int64Counter("tracking.events",
		metric.WithDescription("Push-channel frames handled by order trackers"),
		metric.WithUnit("{event}"))
	return counter
}

func recordEvent(ctx context.Context, counter metric.Int64Counter, eventType order.EventType, result string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEventType.String(string(eventType)),
		telemetry.AttrResult.String(result),
	))
}

func logDecodeFailure(err error, fields ...observability.Field) {
	fields = append(fields, observability.Field{Key: "error", Value: err})
	if errors.Is(err, order.ErrUnknownEvent) {
		observability.Log().Debug("dropping unrecognised order event", fields...)
		return
	}
	observability.Log().Error("dropping malformed order event", fields...)
}

package tracking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

// Registry owns the trackers of every order followed on one role. It holds a
// single lease on the role, decodes each frame once and routes it by order id.
type Registry struct {
	leaser Leaser
	role   string
	deps   Deps
	events metric.Int64Counter

	// leaseMu orders lease acquisition and release against tracker membership.
	leaseMu sync.Mutex
	lease   *channel.Lease

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry constructs a registry whose trackers listen on role.
func NewRegistry(leaser Leaser, role string, deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		leaser:   leaser,
		role:     role,
		deps:     deps,
		events:   newEventCounter(),
		trackers: make(map[string]*Tracker),
	}
}

// Track restores a tracker for orderID and starts routing frames to it.
// Tracking an order twice returns the existing tracker.
func (r *Registry) Track(ctx context.Context, orderID string) (*Tracker, error) {
	orderID = strings.TrimSpace(orderID)
	if existing, ok := r.Get(orderID); ok {
		return existing, nil
	}

	tracker, err := NewTracker(orderID, r.deps)
	if err != nil {
		return nil, err
	}
	if err := tracker.Restore(ctx); err != nil {
		return nil, err
	}

	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.lease == nil {
		lease, err := r.leaser.Acquire(ctx, r.role)
		if err != nil {
			return nil, err
		}
		lease.On(channel.OnMessage, func(evt channel.Event) {
			r.Route(evt.Data)
		})
		r.lease = lease
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.trackers[orderID]; ok {
		return existing, nil
	}
	r.trackers[orderID] = tracker
	return tracker, nil
}

// Get returns the tracker for orderID.
func (r *Registry) Get(orderID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker, ok := r.trackers[orderID]
	return tracker, ok
}

// Untrack forgets the tracker for orderID. The role's lease is released with
// the last tracker.
func (r *Registry) Untrack(orderID string) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()

	r.mu.Lock()
	_, ok := r.trackers[orderID]
	delete(r.trackers, orderID)
	empty := len(r.trackers) == 0
	r.mu.Unlock()
	if !ok {
		return errs.New(component, errs.CodeNotFound, errs.WithMessage("order not tracked"))
	}
	if empty {
		r.releaseLocked()
	}
	return nil
}

// Orders lists the tracked order ids.
func (r *Registry) Orders() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close forgets every tracker and releases the role's lease.
func (r *Registry) Close() {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	r.mu.Lock()
	r.trackers = make(map[string]*Tracker)
	r.mu.Unlock()
	r.releaseLocked()
}

func (r *Registry) releaseLocked() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
}

// Route decodes frame and hands it to the tracker of the order it names.
// A frame without an order id goes to the only tracked order; with several
// orders tracked it is ambiguous and dead-lettered. Frames naming an order
// that is not tracked are ignored.
func (r *Registry) Route(frame []byte) {
	evt, err := order.Decode(frame)
	if err != nil {
		logDecodeFailure(err, observability.Field{Key: "role", Value: r.role})
		r.drop(frame, err.Error())
		return
	}

	if changed, ok := evt.(order.VerificationChanged); ok {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if r.deps.Banner != nil {
			r.deps.Banner.Apply(ctx, changed.Status)
		}
		recordEvent(ctx, r.events, evt.Type(), telemetry.ResultSuccess)
		return
	}

	tracker, ambiguous := r.target(evt.Order())
	if ambiguous > 0 {
		observability.Log().Info("order event without order_id on shared role",
			observability.Field{Key: "role", Value: r.role},
			observability.Field{Key: "tracked", Value: ambiguous})
		r.drop(frame, fmt.Sprintf("order_id missing with %d orders tracked", ambiguous))
		return
	}
	if tracker == nil {
		return
	}
	tracker.apply(frame, evt)
}

// target resolves the tracker for orderID. ambiguous is the tracked count when
// orderID is empty and more than one order is tracked.
func (r *Registry) target(orderID string) (tracker *Tracker, ambiguous int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if orderID != "" {
		return r.trackers[orderID], 0
	}
	switch len(r.trackers) {
	case 0:
		return nil, 0
	case 1:
		for _, only := range r.trackers {
			return only, 0
		}
	}
	return nil, len(r.trackers)
}

func (r *Registry) drop(frame []byte, reason string) {
	r.deps.DeadLetters.Offer(observability.DroppedFrame{
		Source:     "channel:" + r.role,
		Reason:     reason,
		Payload:    frame,
		ReceivedAt: r.deps.Now(),
	})
	recordEvent(context.Background(), r.events, "", telemetry.ResultDropped)
}

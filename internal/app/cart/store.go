// Package cart reconciles the local cart with the authoritative backend.
package cart

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	cartmodel "github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/bus/eventbus"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const component = "cart.store"

// Topic is the bus topic on which applied snapshots are published.
const Topic = "cart"

// Options wires a Store.
type Options struct {
	Backend  cartmodel.Backend
	Identity cartmodel.IdentityStore
	// Bus receives every applied snapshot. A private bus is created when nil.
	Bus eventbus.Bus[cartmodel.Snapshot]
}

// Store owns the local cart. Mutations are confirmed by the backend; a
// response is applied only while its version is still the latest issued, and
// a discarded response triggers one reconciling refresh once nothing is in
// flight.
type Store struct {
	backend       cartmodel.Backend
	identityStore cartmodel.IdentityStore
	bus           eventbus.Bus[cartmodel.Snapshot]
	ownsBus       bool

	mu       sync.Mutex
	lines    *cartmodel.LineSet
	snapshot cartmodel.Snapshot
	identity cartmodel.Identity
	issued   uint64
	inflight int
	behind   bool

	responses metric.Int64Counter
}

// NewStore loads the persisted cart identity and returns an empty store.
// Call Refresh to adopt the backend's cart.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("backend required"))
	}
	if opts.Identity == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("identity store required"))
	}
	token, err := opts.Identity.Get(ctx)
	if err != nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("load cart identity"), errs.WithCause(err))
	}

	s := &Store{
		backend:       opts.Backend,
		identityStore: opts.Identity,
		bus:           opts.Bus,
		lines:         cartmodel.NewLineSet(),
		snapshot:      cartmodel.Derive(nil),
		identity:      cartmodel.Identity{Token: token},
	}
	if s.bus == nil {
		s.bus = eventbus.NewMemoryBus[cartmodel.Snapshot](eventbus.MemoryConfig{Name: Topic})
		s.ownsBus = true
	}
	s.responses, _ = otel.Meter("cart.store").Int64Counter("cart.responses",
		metric.WithDescription("Cart backend responses by operation and whether they were applied"),
		metric.WithUnit("{response}"))
	return s, nil
}

// Close releases the private bus, if any.
func (s *Store) Close() {
	if s.ownsBus {
		s.bus.Close()
	}
}

// Snapshot returns the current derived view.
func (s *Store) Snapshot() cartmodel.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snapshot)
}

// Loading reports whether any backend call is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Identity returns the guest cart identity currently replayed to the backend.
func (s *Store) Identity() cartmodel.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Subscribe streams every snapshot applied after the call.
func (s *Store) Subscribe(ctx context.Context) (eventbus.SubscriptionID, <-chan cartmodel.Snapshot, error) {
	return s.bus.Subscribe(ctx, Topic)
}

// Unsubscribe ends a subscription.
func (s *Store) Unsubscribe(id eventbus.SubscriptionID) {
	s.bus.Unsubscribe(id)
}

// Add asks the backend to add qty of line and then adopts the backend's cart
// wholesale. qty <= 0 is a no-op.
func (s *Store) Add(ctx context.Context, line cartmodel.Line, qty int) error {
	if qty <= 0 {
		return nil
	}
	token := s.begin()
	env, err := s.backend.Add(ctx, cartmodel.AddRequest{
		Token:               token,
		ItemID:              line.ItemID,
		VendorID:            line.VendorID,
		Variant:             line.Variant.Normalize(),
		Quantity:            qty,
		SpecialInstructions: line.SpecialInstructions,
	})
	if err == nil {
		s.adoptToken(ctx, env.Token)
	}
	s.end(ctx)
	if err != nil {
		s.record(ctx, "add", telemetry.ResultError)
		return wrap("add", err)
	}
	s.record(ctx, "add", telemetry.ResultSuccess)
	return s.Refresh(ctx)
}

// SetQuantity overwrites the quantity of the line at key. qty <= 0 removes it.
func (s *Store) SetQuantity(ctx context.Context, key cartmodel.Key, qty int) error {
	if qty <= 0 {
		return s.Remove(ctx, key)
	}
	key = key.Normalize()
	return s.mutate(ctx, "update", func(token string) (cartmodel.Envelope, error) {
		return s.backend.Update(ctx, cartmodel.UpdateRequest{Token: token, Key: key, Quantity: qty})
	}, func(cartmodel.Envelope) bool {
		return s.lines.SetQuantity(key, qty)
	})
}

// Remove deletes the line at key.
func (s *Store) Remove(ctx context.Context, key cartmodel.Key) error {
	key = key.Normalize()
	return s.mutate(ctx, "remove", func(token string) (cartmodel.Envelope, error) {
		return s.backend.Remove(ctx, cartmodel.RemoveRequest{Token: token, Key: key})
	}, func(cartmodel.Envelope) bool {
		return s.lines.Delete(key)
	})
}

// Clear empties the cart.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, "clear", func(token string) (cartmodel.Envelope, error) {
		return s.backend.Clear(ctx, token)
	}, func(cartmodel.Envelope) bool {
		s.lines = cartmodel.NewLineSet()
		return true
	})
}

// Refresh replaces the local cart with the backend's.
func (s *Store) Refresh(ctx context.Context) error {
	return s.mutate(ctx, "refresh", func(token string) (cartmodel.Envelope, error) {
		return s.backend.Get(ctx, token)
	}, func(env cartmodel.Envelope) bool {
		s.lines = cartmodel.NewLineSet(env.Lines...)
		return true
	})
}

// Replace adopts lines wholesale without a backend call. Duplicate keys are
// merged and non-positive quantities dropped. Responses to calls issued
// before Replace are discarded.
func (s *Store) Replace(lines []cartmodel.Line) cartmodel.Snapshot {
	s.mu.Lock()
	s.issued++
	s.lines = cartmodel.NewLineSet(lines...)
	snap := s.deriveLocked()
	s.mu.Unlock()
	s.publish(context.Background(), snap)
	return cloneSnapshot(snap)
}

// ClearIdentity forgets the guest cart token, as after an authenticated merge.
func (s *Store) ClearIdentity(ctx context.Context) error {
	if err := s.identityStore.Clear(ctx); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("clear cart identity"), errs.WithCause(err))
	}
	s.mu.Lock()
	s.identity = cartmodel.Identity{}
	s.mu.Unlock()
	return nil
}

// mutate runs call and, when its response is still current, applies it under
// the store lock. apply reports whether local state changed.
func (s *Store) mutate(ctx context.Context, op string, call func(token string) (cartmodel.Envelope, error), apply func(cartmodel.Envelope) bool) error {
	s.mu.Lock()
	s.issued++
	version := s.issued
	s.inflight++
	token := s.identity.Token
	s.mu.Unlock()

	env, err := call(token)
	if err != nil {
		s.end(ctx)
		s.record(ctx, op, telemetry.ResultError)
		return wrap(op, err)
	}
	s.adoptToken(ctx, env.Token)

	s.mu.Lock()
	if version != s.issued {
		s.behind = true
		s.mu.Unlock()
		s.record(ctx, op, telemetry.ResultStale)
		observability.Log().Debug("discarding stale cart response",
			observability.Field{Key: "operation", Value: op},
			observability.Field{Key: "version", Value: version})
		s.end(ctx)
		return nil
	}
	var snap cartmodel.Snapshot
	changed := apply(env)
	if changed {
		snap = s.deriveLocked()
	}
	s.mu.Unlock()

	s.record(ctx, op, telemetry.ResultSuccess)
	if changed {
		s.publish(ctx, snap)
	}
	s.end(ctx)
	return nil
}

// begin marks an unversioned call in flight and returns the token to send.
func (s *Store) begin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	return s.identity.Token
}

// end marks a call finished. The last call to finish while the view is
// behind runs one reconciling refresh.
func (s *Store) end(ctx context.Context) {
	s.mu.Lock()
	s.inflight--
	reconcile := s.inflight == 0 && s.behind
	if reconcile {
		s.behind = false
	}
	s.mu.Unlock()
	if !reconcile {
		return
	}
	if err := s.Refresh(context.WithoutCancel(ctx)); err != nil {
		s.mu.Lock()
		s.behind = true
		s.mu.Unlock()
		observability.Log().Error("cart reconciliation refresh failed", observability.Field{Key: "error", Value: err})
	}
}

func (s *Store) adoptToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if s.identity.Token == token {
		s.mu.Unlock()
		return
	}
	s.identity = cartmodel.Identity{Token: token}
	s.mu.Unlock()
	if err := s.identityStore.Set(ctx, token); err != nil {
		observability.Log().Error("persist cart identity failed", observability.Field{Key: "error", Value: err})
	}
}

func (s *Store) deriveLocked() cartmodel.Snapshot {
	snap := cartmodel.Derive(s.lines.Lines())
	snap.Version = s.snapshot.Version + 1
	s.snapshot = snap
	return snap
}

func (s *Store) publish(ctx context.Context, snap cartmodel.Snapshot) {
	if err := s.bus.Publish(ctx, Topic, cloneSnapshot(snap)); err != nil && !errs.HasCode(err, errs.CodeUnavailable) {
		observability.Log().Error("publish cart snapshot failed", observability.Field{Key: "error", Value: err})
	}
}

func (s *Store) record(ctx context.Context, op, result string) {
	s.responses.Add(ctx, 1, metric.WithAttributes(telemetry.CartAttributes(telemetry.Environment(), op, result)...))
}

func cloneSnapshot(snap cartmodel.Snapshot) cartmodel.Snapshot {
	lines := make([]cartmodel.Line, len(snap.Lines))
	copy(lines, snap.Lines)
	snap.Lines = lines
	return snap
}

func wrap(op string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New(component, errs.CodeTransport, errs.WithCause(err), errs.WithField("operation", op))
}

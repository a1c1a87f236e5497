package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	cartmodel "github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/cartapi"
	"github.com/coachpo/ordersync/internal/infra/identity"
)

var jollof = cartapi.CatalogItem{ID: 5, VendorID: 2, Name: "Jollof", Price: decimal.RequireFromString("4.50"), Currency: "GHS"}

func newTestStore(t *testing.T, backend cartmodel.Backend) (*Store, *identity.Memory) {
	t.Helper()
	ids := identity.NewMemory()
	store, err := NewStore(context.Background(), Options{Backend: backend, Identity: ids})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, ids
}

func TestStoreEndToEnd(t *testing.T) {
	store, ids := newTestStore(t, cartapi.NewLocalBackend(jollof))
	ctx := context.Background()
	line := cartmodel.Line{ItemID: 5, VendorID: 2, Variant: cartmodel.NoVariant}

	require.NoError(t, store.Add(ctx, line, 1))
	snap := store.Snapshot()
	require.Len(t, snap.Lines, 1)
	require.Equal(t, 1, snap.Lines[0].Quantity)
	require.True(t, jollof.Price.Equal(snap.TotalAmount))

	token, err := ids.Get(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token, "guest token persisted on first add")
	require.Equal(t, token, store.Identity().Token)

	require.NoError(t, store.Add(ctx, line, 1))
	snap = store.Snapshot()
	require.Len(t, snap.Lines, 1)
	require.Equal(t, 2, snap.Lines[0].Quantity)
	require.Equal(t, 2, snap.TotalItems)
	require.True(t, decimal.RequireFromString("9.00").Equal(snap.TotalAmount))

	require.NoError(t, store.SetQuantity(ctx, line.Key(), 0))
	snap = store.Snapshot()
	require.Empty(t, snap.Lines)
	require.Zero(t, snap.TotalItems)
	require.True(t, snap.TotalAmount.IsZero())
	require.False(t, store.Loading())
}

func TestStoreDedupAndVariants(t *testing.T) {
	store, _ := newTestStore(t, cartapi.NewLocalBackend(jollof))
	ctx := context.Background()
	plain := cartmodel.Line{ItemID: 5, VendorID: 2}
	large := cartmodel.Line{ItemID: 5, VendorID: 2, Variant: cartmodel.Variant{Size: "large", Extras: []string{"egg", "plantain"}}.Key()}
	largeReordered := cartmodel.Line{ItemID: 5, VendorID: 2, Variant: cartmodel.Variant{Size: "Large", Extras: []string{"plantain", "egg"}}.Key()}

	require.NoError(t, store.Add(ctx, plain, 1))
	require.NoError(t, store.Add(ctx, plain, 2))
	require.NoError(t, store.Add(ctx, large, 1))
	require.NoError(t, store.Add(ctx, largeReordered, 1))
	require.NoError(t, store.Add(ctx, plain, 0), "zero quantity is a no-op")

	snap := store.Snapshot()
	require.Len(t, snap.Lines, 2)
	got, ok := snap.Find(plain.Key())
	require.True(t, ok)
	require.Equal(t, 3, got.Quantity)
	got, ok = snap.Find(large.Key())
	require.True(t, ok)
	require.Equal(t, 2, got.Quantity)

	require.NoError(t, store.SetQuantity(ctx, large.Key(), 5))
	got, _ = store.Snapshot().Find(large.Key())
	require.Equal(t, 5, got.Quantity)

	require.NoError(t, store.Remove(ctx, plain.Key()))
	require.NoError(t, store.Clear(ctx))
	require.Empty(t, store.Snapshot().Lines)
}

type failingBackend struct {
	cartmodel.Backend
	fail atomic.Bool
}

func (f *failingBackend) Update(ctx context.Context, req cartmodel.UpdateRequest) (cartmodel.Envelope, error) {
	if f.fail.Load() {
		return cartmodel.Envelope{}, errors.New("connection reset")
	}
	return f.Backend.Update(ctx, req)
}

func (f *failingBackend) Remove(ctx context.Context, req cartmodel.RemoveRequest) (cartmodel.Envelope, error) {
	if f.fail.Load() {
		return cartmodel.Envelope{}, errs.New("cartapi", errs.CodeInvalid, errs.WithMessage("locked"))
	}
	return f.Backend.Remove(ctx, req)
}

func TestStoreFailureKeepsState(t *testing.T) {
	backend := &failingBackend{Backend: cartapi.NewLocalBackend(jollof)}
	store, _ := newTestStore(t, backend)
	ctx := context.Background()
	line := cartmodel.Line{ItemID: 5, VendorID: 2}
	require.NoError(t, store.Add(ctx, line, 2))
	before := store.Snapshot()

	backend.fail.Store(true)
	err := store.SetQuantity(ctx, line.Key(), 9)
	require.True(t, errs.HasCode(err, errs.CodeTransport), "%v", err)
	err = store.Remove(ctx, line.Key())
	require.True(t, errs.HasCode(err, errs.CodeInvalid), "%v", err)

	require.Equal(t, before, store.Snapshot())
	require.False(t, store.Loading())
}

type gatedBackend struct {
	*cartapi.LocalBackend

	mu      sync.Mutex
	gates   map[int]chan struct{}
	arrived chan int
	gets    atomic.Int32
}

func (g *gatedBackend) Update(ctx context.Context, req cartmodel.UpdateRequest) (cartmodel.Envelope, error) {
	g.mu.Lock()
	gate := g.gates[req.Quantity]
	g.mu.Unlock()
	g.arrived <- req.Quantity
	if gate != nil {
		<-gate
	}
	return g.LocalBackend.Update(ctx, req)
}

func (g *gatedBackend) Get(ctx context.Context, token string) (cartmodel.Envelope, error) {
	g.gets.Add(1)
	return g.LocalBackend.Get(ctx, token)
}

func TestStoreDiscardsStaleResponseAndReconciles(t *testing.T) {
	backend := &gatedBackend{
		LocalBackend: cartapi.NewLocalBackend(jollof),
		gates:        map[int]chan struct{}{4: make(chan struct{}), 7: make(chan struct{})},
		arrived:      make(chan int, 4),
	}
	store, _ := newTestStore(t, backend)
	ctx := context.Background()
	line := cartmodel.Line{ItemID: 5, VendorID: 2}
	require.NoError(t, store.Add(ctx, line, 1))
	getsBefore := backend.gets.Load()

	first := make(chan error, 1)
	go func() { first <- store.SetQuantity(ctx, line.Key(), 4) }()
	require.Equal(t, 4, <-backend.arrived)
	require.True(t, store.Loading())

	second := make(chan error, 1)
	go func() { second <- store.SetQuantity(ctx, line.Key(), 7) }()
	require.Equal(t, 7, <-backend.arrived)

	close(backend.gates[7])
	require.NoError(t, <-second)
	got, _ := store.Snapshot().Find(line.Key())
	require.Equal(t, 7, got.Quantity, "latest issued response applies")
	require.True(t, store.Loading())

	close(backend.gates[4])
	require.NoError(t, <-first)

	got, _ = store.Snapshot().Find(line.Key())
	require.Equal(t, 4, got.Quantity, "reconciling refresh adopts the backend's view")
	require.Equal(t, getsBefore+1, backend.gets.Load())
	require.False(t, store.Loading())
}

func TestStoreReplaceAndSubscribe(t *testing.T) {
	store, _ := newTestStore(t, cartapi.NewLocalBackend(jollof))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, ch, err := store.Subscribe(ctx)
	require.NoError(t, err)
	defer store.Unsubscribe(id)

	price := decimal.RequireFromString("2.00")
	snap := store.Replace([]cartmodel.Line{
		{ItemID: 1, VendorID: 1, UnitPrice: price, Quantity: 1},
		{ItemID: 1, VendorID: 1, Variant: "none", UnitPrice: price, Quantity: 2},
		{ItemID: 2, VendorID: 1, UnitPrice: price, Quantity: 0},
	})
	require.Len(t, snap.Lines, 1)
	require.Equal(t, 3, snap.TotalItems)
	require.True(t, decimal.RequireFromString("6.00").Equal(snap.TotalAmount))

	select {
	case published := <-ch:
		require.Equal(t, snap.Version, published.Version)
		require.Equal(t, 3, published.TotalItems)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not published")
	}

	require.NoError(t, store.Add(context.Background(), cartmodel.Line{ItemID: 5, VendorID: 2}, 1))
	select {
	case published := <-ch:
		require.Greater(t, published.Version, snap.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh not published")
	}
}

func TestStoreIdentityLifecycle(t *testing.T) {
	ids := identity.NewMemory()
	require.NoError(t, ids.Set(context.Background(), "restored"))
	store, err := NewStore(context.Background(), Options{Backend: cartapi.NewLocalBackend(jollof), Identity: ids})
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, "restored", store.Identity().Token)
	require.True(t, store.Identity().Guest())

	require.NoError(t, store.ClearIdentity(context.Background()))
	require.False(t, store.Identity().Guest())
	token, err := ids.Get(context.Background())
	require.NoError(t, err)
	require.Empty(t, token)

	_, err = NewStore(context.Background(), Options{Identity: ids})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

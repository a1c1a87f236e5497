package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/bus/eventbus"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/persistence"
)

type pipeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.done:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Ping(context.Context) error { return nil }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type pipeDialer struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
}

func (d *pipeDialer) Dial(_ context.Context, role string) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &pipeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
	if d.conns == nil {
		d.conns = make(map[string]*pipeConn)
	}
	d.conns[role] = conn
	return conn, nil
}

func (d *pipeDialer) push(t *testing.T, role, frame string) {
	t.Helper()
	d.mu.Lock()
	conn := d.conns[role]
	d.mu.Unlock()
	require.NotNil(t, conn, "role %s not dialed", role)
	conn.frames <- []byte(frame)
}

type fixture struct {
	deps    Deps
	store   *persistence.MemorySnapshotStore
	orders  *eventbus.MemoryBus[order.Snapshot]
	suggest *eventbus.MemoryBus[order.Suggestions]
	verify  *eventbus.MemoryBus[order.VerificationStatus]
	banner  *VerificationBanner
	dlq     *observability.DeadLetterQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   persistence.NewMemorySnapshotStore(),
		orders:  eventbus.NewMemoryBus[order.Snapshot](eventbus.MemoryConfig{Name: "orders"}),
		suggest: eventbus.NewMemoryBus[order.Suggestions](eventbus.MemoryConfig{Name: "suggestions"}),
		verify:  eventbus.NewMemoryBus[order.VerificationStatus](eventbus.MemoryConfig{Name: "verification"}),
		dlq:     observability.NewDeadLetterQueue(8),
	}
	f.banner = NewVerificationBanner(f.verify)
	f.deps = Deps{
		Snapshots:   f.store,
		Orders:      f.orders,
		Suggestions: f.suggest,
		Banner:      f.banner,
		DeadLetters: f.dlq,
	}
	t.Cleanup(func() {
		f.orders.Close()
		f.suggest.Close()
		f.verify.Close()
	})
	return f
}

func TestTrackerEndToEndOverChannel(t *testing.T) {
	f := newFixture(t)
	dialer := &pipeDialer{}
	manager := channel.NewManager(dialer, channel.Options{ReconnectDelay: time.Hour})
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, updates, err := f.orders.Subscribe(ctx, OrderTopic("42"))
	require.NoError(t, err)

	registry := NewRegistry(manager, "customer", f.deps)
	tracker, err := registry.Track(ctx, "42")
	require.NoError(t, err)
	again, err := registry.Track(ctx, "42")
	require.NoError(t, err)
	require.Same(t, tracker, again)
	require.True(t, manager.IsConnected("customer"))

	dialer.push(t, "customer", `{"type":"order_status_update","order_id":"42","status":"placed"}`)
	dialer.push(t, "customer", `{"type":"order_status_update","order_id":"42","status":"confirmed"}`)
	dialer.push(t, "customer", `{"type":"order_status_update","order_id":"42","status":"confirmed"}`)

	require.Eventually(t, func() bool {
		return len(tracker.Snapshot().Timeline) == 2
	}, 2*time.Second, 5*time.Millisecond)
	snap := tracker.Snapshot()
	require.Equal(t, "confirmed", snap.Status)
	require.Equal(t, "placed", snap.Timeline[0].Status)
	require.Equal(t, "confirmed", snap.Timeline[1].Status)

	for _, want := range []int{1, 2} {
		select {
		case published := <-updates:
			require.Len(t, published.Timeline, want)
		case <-ctx.Done():
			t.Fatal("snapshot not published")
		}
	}

	stored, ok, err := f.store.Load(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Timeline, 2)

	require.Equal(t, []string{"42"}, registry.Orders())
	require.NoError(t, registry.Untrack("42"))
	require.False(t, manager.IsConnected("customer"), "last lease released")
	require.Error(t, registry.Untrack("42"))
}

func TestRegistryRoutesSharedRoleFramesOnce(t *testing.T) {
	f := newFixture(t)
	dialer := &pipeDialer{}
	manager := channel.NewManager(dialer, channel.Options{ReconnectDelay: time.Hour})
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	registry := NewRegistry(manager, "customer", f.deps)
	first, err := registry.Track(ctx, "1")
	require.NoError(t, err)
	second, err := registry.Track(ctx, "2")
	require.NoError(t, err)

	dialer.push(t, "customer", `{"type":"order_status_update","order_id":"1","status":"placed"}`)
	dialer.push(t, "customer", `{"type":"order_status_update","status":"preparing"}`)
	dialer.push(t, "customer", `not json`)

	require.Eventually(t, func() bool { return f.dlq.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "placed", first.Snapshot().Status)
	require.Len(t, first.Snapshot().Timeline, 1)
	require.Empty(t, second.Snapshot().Timeline, "frames naming order 1 never reach order 2")

	dropped := f.dlq.Drain()
	require.Equal(t, `{"type":"order_status_update","status":"preparing"}`, string(dropped[0].Payload))
	require.Contains(t, dropped[0].Reason, "order_id missing")
	require.Equal(t, "not json", string(dropped[1].Payload))
	require.Equal(t, "channel:customer", dropped[1].Source)

	require.NoError(t, registry.Untrack("2"))
	require.True(t, manager.IsConnected("customer"), "lease kept while an order is tracked")
	dialer.push(t, "customer", `{"type":"order_status_update","status":"preparing"}`)
	require.Eventually(t, func() bool {
		return first.Snapshot().Status == "preparing"
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, first.Snapshot().Timeline, 2)
	require.Zero(t, f.dlq.Len())

	registry.Close()
	require.False(t, manager.IsConnected("customer"))
	require.Empty(t, registry.Orders())
}

func TestRegistryRouteVerificationReachesBannerOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, statuses, err := f.verify.Subscribe(ctx, VerificationTopic)
	require.NoError(t, err)

	registry := NewRegistry(nil, "vendor", f.deps)
	registry.Route([]byte(`{"type":"verification.status_changed","user_type":"vendor","status":"approved"}`))
	registry.Route([]byte(`{"type":"order_status_update","order_id":"9","status":"placed"}`))

	select {
	case published := <-statuses:
		require.Equal(t, "approved", published.Status)
	case <-ctx.Done():
		t.Fatal("verification not published")
	}
	require.Zero(t, f.dlq.Len(), "frames for untracked orders are ignored")
}

func TestTrackerDropsMalformedFramesAndKeepsGoing(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewTracker("42", f.deps)
	require.NoError(t, err)

	tracker.Handle([]byte(`{"type":"order_status_update","order_id":"42"}`))
	tracker.Handle([]byte(`not json`))
	tracker.Handle([]byte(`{"type":"order.refunded","order_id":"42"}`))
	tracker.Handle([]byte(`{"type":"order_status_update","order_id":"42","status":"placed"}`))

	require.Equal(t, 3, f.dlq.Len())
	dropped := f.dlq.Drain()
	require.Equal(t, OrderTopic("42"), dropped[0].Source)
	require.Equal(t, "not json", string(dropped[1].Payload))
	require.Equal(t, "placed", tracker.Snapshot().Status)
}

func TestTrackerIgnoresOtherOrders(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewTracker("42", f.deps)
	require.NoError(t, err)

	tracker.Handle([]byte(`{"type":"order_status_update","order_id":"7","status":"placed"}`))
	require.Empty(t, tracker.Snapshot().Timeline)

	tracker.Handle([]byte(`{"type":"order_status_update","status":"placed"}`))
	require.Len(t, tracker.Snapshot().Timeline, 1, "frames without order_id belong to the tracked order")
}

func TestTrackerSideChannels(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewTracker("42", f.deps)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, suggestions, err := f.suggest.Subscribe(ctx, SuggestionsTopic("42"))
	require.NoError(t, err)
	_, statuses, err := f.verify.Subscribe(ctx, VerificationTopic)
	require.NoError(t, err)

	tracker.Handle([]byte(`{"type":"order_status_update","order_id":"42","status":"placed"}`))
	before := tracker.Snapshot()

	tracker.Handle([]byte(`{"type":"order.cancelled_suggestions","order_id":"42","reason":"vendor closed","suggestions":[{"vendor_id":3,"name":"Chop Bar"}]}`))
	require.Equal(t, before, tracker.Snapshot(), "suggestions never touch the snapshot")
	got, ok := tracker.Suggestions()
	require.True(t, ok)
	require.Equal(t, "vendor closed", got.Reason)
	require.Equal(t, int64(3), got.Vendors[0].VendorID)
	select {
	case published := <-suggestions:
		require.Equal(t, "42", published.OrderID)
	case <-ctx.Done():
		t.Fatal("suggestions not published")
	}
	tracker.DismissSuggestions()
	_, ok = tracker.Suggestions()
	require.False(t, ok)

	frame := `{"type":"verification_notification","data":{"type":"verification.status_changed","user_type":"vendor","status":"approved"}}`
	tracker.Handle([]byte(frame))
	tracker.Handle([]byte(frame))
	require.Equal(t, before, tracker.Snapshot())
	status, ok := f.banner.Latest("vendor")
	require.True(t, ok)
	require.Equal(t, "approved", status.Status)
	select {
	case published := <-statuses:
		require.Equal(t, "approved", published.Status)
	case <-ctx.Done():
		t.Fatal("verification not published")
	}
	select {
	case <-statuses:
		t.Fatal("duplicate verification republished")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackerRestoresPersistedHistory(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	snap := order.NewSnapshot("42")
	snap = order.Merge(snap, order.StatusUpdate{Status: "placed"}, now)
	snap = order.Merge(snap, order.StatusUpdate{Status: "preparing"}, now.Add(time.Minute))
	require.NoError(t, f.store.Save(context.Background(), snap))

	tracker, err := NewTracker("42", f.deps)
	require.NoError(t, err)
	require.NoError(t, tracker.Restore(context.Background()))
	require.Equal(t, "preparing", tracker.Snapshot().Status)

	tracker.Handle([]byte(`{"type":"order_status_update","status":"preparing"}`))
	require.Len(t, tracker.Snapshot().Timeline, 2)
	tracker.Handle([]byte(`{"type":"order_status_update","status":"on_the_way"}`))
	require.Len(t, tracker.Snapshot().Timeline, 3)
}

type panickingStore struct{ persistence.SnapshotStore }

func (panickingStore) Save(context.Context, order.Snapshot) error { panic("disk on fire") }

func TestTrackerRecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	f.deps.Snapshots = panickingStore{SnapshotStore: f.store}
	tracker, err := NewTracker("42", f.deps)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		tracker.Handle([]byte(`{"type":"order_status_update","status":"placed"}`))
	})
	require.Equal(t, 1, f.dlq.Len())
	require.Equal(t, "placed", tracker.Snapshot().Status, "merged state survives a failed save")
}

func TestBannerAttachIgnoresOrderFrames(t *testing.T) {
	f := newFixture(t)
	dialer := &pipeDialer{}
	manager := channel.NewManager(dialer, channel.Options{ReconnectDelay: time.Hour})
	defer manager.Close()

	require.NoError(t, f.banner.Attach(context.Background(), manager, "vendor"))
	dialer.push(t, "vendor", `{"type":"order_status_update","status":"placed"}`)
	dialer.push(t, "vendor", `{"type":"verification.status_changed","user_type":"vendor","status":"rejected","admin_notes":"blurry id"}`)

	require.Eventually(t, func() bool {
		_, ok := f.banner.Latest("vendor")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, f.banner.All(), 1)
	require.Equal(t, "blurry id", f.banner.All()[0].AdminNotes)

	f.banner.Detach()
	require.False(t, manager.IsConnected("vendor"))
}

func TestNewTrackerValidates(t *testing.T) {
	_, err := NewTracker("  ", Deps{})
	require.Error(t, err)
}

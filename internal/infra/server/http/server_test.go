package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	appcart "github.com/coachpo/ordersync/internal/app/cart"
	"github.com/coachpo/ordersync/internal/app/tracking"
	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/cartapi"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/identity"
	"github.com/coachpo/ordersync/internal/infra/observability"
)

type idleConn struct{ done chan struct{} }

func (c *idleConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *idleConn) Ping(context.Context) error { return nil }

func (c *idleConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

type idleDialer struct{}

func (idleDialer) Dial(context.Context, string) (channel.Conn, error) {
	return &idleConn{done: make(chan struct{})}, nil
}

type apiFixture struct {
	handler  http.Handler
	store    *appcart.Store
	registry *tracking.Registry
	banner   *tracking.VerificationBanner
	manager  *channel.Manager
	dlq      *observability.DeadLetterQueue
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	backend := cartapi.NewLocalBackend(
		cartapi.CatalogItem{ID: 1, VendorID: 10, Name: "Jollof", Price: decimal.RequireFromString("4.50"), Currency: "GHS"},
		cartapi.CatalogItem{ID: 2, VendorID: 10, Name: "Kelewele", Price: decimal.RequireFromString("2.25"), Currency: "GHS"},
	)
	store, err := appcart.NewStore(context.Background(), appcart.Options{Backend: backend, Identity: identity.NewMemory()})
	require.NoError(t, err)

	manager := channel.NewManager(idleDialer{}, channel.Options{ReconnectDelay: time.Hour, Roles: []string{"customer"}})
	dlq := observability.NewDeadLetterQueue(4)
	banner := tracking.NewVerificationBanner(nil)
	registry := tracking.NewRegistry(manager, "customer", tracking.Deps{Banner: banner, DeadLetters: dlq})
	t.Cleanup(func() {
		registry.Close()
		manager.Close()
		store.Close()
	})

	return &apiFixture{
		handler: NewHandler(Deps{
			Cart:        store,
			Orders:      registry,
			Banner:      banner,
			Channels:    manager,
			DeadLetters: dlq,
		}),
		store:    store,
		registry: registry,
		banner:   banner,
		manager:  manager,
		dlq:      dlq,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) cartView {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view cartView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCartEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	view := decodeCart(t, f.do(t, http.MethodGet, cartPath, nil))
	require.Empty(t, view.Lines)
	require.False(t, view.Guest)

	view = decodeCart(t, f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 1, "vendor_id": 10, "quantity": 1}))
	view = decodeCart(t, f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 1, "vendor_id": 10, "quantity": 1}))
	require.Len(t, view.Lines, 1)
	require.Equal(t, 2, view.Lines[0].Quantity)
	require.Equal(t, "Jollof", view.Lines[0].Name)
	require.Equal(t, "1/10/none", view.Lines[0].Key)
	require.True(t, decimal.RequireFromString("9").Equal(view.TotalAmount))
	require.True(t, view.Guest, "backend issued a guest cart token")

	view = decodeCart(t, f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 2, "vendor_id": 10, "quantity": 2}))
	require.Equal(t, 4, view.TotalItems)
	require.True(t, decimal.RequireFromString("13.5").Equal(view.TotalAmount))

	view = decodeCart(t, f.do(t, http.MethodPut, cartItemsPath, map[string]any{"item_id": 2, "vendor_id": 10, "quantity": 1}))
	require.Equal(t, 3, view.TotalItems)

	view = decodeCart(t, f.do(t, http.MethodDelete, cartItemsPath, map[string]any{"item_id": 1, "vendor_id": 10}))
	require.Len(t, view.Lines, 1)
	require.Equal(t, int64(2), view.Lines[0].ItemID)

	view = decodeCart(t, f.do(t, http.MethodPost, cartRefreshPath, nil))
	require.Equal(t, 1, view.TotalItems)

	view = decodeCart(t, f.do(t, http.MethodDelete, cartPath, nil))
	require.Empty(t, view.Lines)
	require.True(t, view.TotalAmount.IsZero())
	require.Equal(t, f.store.Snapshot().Version, view.Version)
}

func TestCartEndpointErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 99, "vendor_id": 10, "quantity": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 1, "vendor_id": 11, "quantity": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, cartItemsPath, map[string]any{"item_id": 1, "quantity": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, cartItemsPath, `{"item_id":1,"quantity":1,"colour":"red"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, cartItemsPath, map[string]any{"item_id": 1, "vendor_id": 10, "quantity": 3})
	require.Equal(t, http.StatusNotFound, rec.Code, "line not in cart")

	rec = f.do(t, http.MethodGet, cartRefreshPath, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = f.do(t, http.MethodPatch, cartItemsPath, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "DELETE, POST, PUT", rec.Header().Get("Allow"))
}

func TestOrderEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/orders/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/orders/42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, f.manager.IsConnected("customer"))

	tracker, ok := f.registry.Get("42")
	require.True(t, ok)
	tracker.Handle([]byte(`{"type":"order_status_update","order_id":"42","status":"placed"}`))
	tracker.Handle([]byte(`{"type":"courier_assigned","order_id":"42","courier":{"name":"Kofi","phone":"0200000000"}}`))

	rec = f.do(t, http.MethodGet, "/orders/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap order.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "placed", snap.Status)
	require.Len(t, snap.Timeline, 1)
	require.NotNil(t, snap.Courier)
	require.Equal(t, "Kofi", snap.Courier.Name)
	require.Zero(t, f.dlq.Len())

	rec = f.do(t, http.MethodGet, ordersPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"orders":["42"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/orders/42/suggestions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	tracker.Handle([]byte(`{"type":"order.cancelled_suggestions","order_id":"42","message":"vendor closed","suggestions":[{"id":"3","name":"Chop Bar"}]}`))
	rec = f.do(t, http.MethodGet, "/orders/42/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var suggestions order.Suggestions
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &suggestions))
	require.Equal(t, "vendor closed", suggestions.Reason)
	require.Equal(t, "Chop Bar", suggestions.Vendors[0].Name)
	rec = f.do(t, http.MethodDelete, "/orders/42/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/orders/42/suggestions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/42/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/orders/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.manager.IsConnected("customer"))
	rec = f.do(t, http.MethodDelete, "/orders/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.banner.Apply(context.Background(), order.VerificationStatus{UserType: "vendor", Status: "pending"})
	f.dlq.Offer(observability.DroppedFrame{Source: "order:1", Reason: "bad", Payload: []byte("{")})

	rec := f.do(t, http.MethodGet, verificationPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verification struct {
		Statuses []order.VerificationStatus `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verification))
	require.Len(t, verification.Statuses, 1)
	require.Equal(t, "pending", verification.Statuses[0].Status)

	rec = f.do(t, http.MethodGet, channelsPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, deadLettersPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dead struct {
		DeadLetters []deadLetterView `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dead))
	require.Len(t, dead.DeadLetters, 1)
	require.Equal(t, "{", dead.DeadLetters[0].Payload)
	require.Zero(t, f.dlq.Len())
}

func TestHandlerWithoutComponents(t *testing.T) {
	handler := NewHandler(Deps{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cartPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/1", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, channelsPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"channels":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, cartItemsPath, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

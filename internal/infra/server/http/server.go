// Package httpserver exposes the reconciled cart, order and channel state over a
// small local HTTP API.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	appcart "github.com/coachpo/ordersync/internal/app/cart"
	"github.com/coachpo/ordersync/internal/app/tracking"
	cartmodel "github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	cartPath        = "/cart"
	cartItemsPath   = "/cart/items"
	cartRefreshPath = "/cart/refresh"

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	verificationPath = "/verification"
	channelsPath     = "/channels"
	deadLettersPath  = "/dead-letters"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// ChannelStatuser reports push-channel connection state. *channel.Manager
// implements it.
type ChannelStatuser interface {
	Statuses() []channel.Status
}

// Deps are the components served by the API. Nil components answer 503.
type Deps struct {
	Cart        *appcart.Store
	Orders      *tracking.Registry
	Banner      *tracking.VerificationBanner
	Channels    ChannelStatuser
	DeadLetters *observability.DeadLetterQueue
}

type httpServer struct {
	deps Deps
}

type linePayload struct {
	ItemID              int64           `json:"item_id"`
	VendorID            int64           `json:"vendor_id"`
	Variant             string          `json:"variant,omitempty"`
	Name                string          `json:"name,omitempty"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	Currency            string          `json:"currency,omitempty"`
	Quantity            int             `json:"quantity"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

type lineView struct {
	linePayload
	Key      string          `json:"key"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type cartView struct {
	Lines       []lineView      `json:"lines"`
	TotalItems  int             `json:"total_items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Version     uint64          `json:"version"`
	Loading     bool            `json:"loading"`
	Guest       bool            `json:"guest"`
}

type deadLetterView struct {
	Source     string    `json:"source"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewHandler creates the local API handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(cartPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getCart,
		http.MethodDelete: server.clearCart,
	}))
	mux.Handle(cartItemsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.addItem,
		http.MethodPut:    server.setItemQuantity,
		http.MethodDelete: server.removeItem,
	}))
	mux.Handle(cartRefreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshCart,
	}))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	mux.Handle(verificationPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getVerification,
	}))
	mux.Handle(channelsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getChannels,
	}))
	mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.drainDeadLetters,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) cartAvailable(w http.ResponseWriter) bool {
	if s.deps.Cart == nil {
		writeError(w, http.StatusServiceUnavailable, "cart store unavailable")
		return false
	}
	return true
}

func (s *httpServer) getCart(w http.ResponseWriter, _ *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	s.writeCart(w)
}

func (s *httpServer) writeCart(w http.ResponseWriter) {
	snap := s.deps.Cart.Snapshot()
	view := cartView{
		Lines:       make([]lineView, 0, len(snap.Lines)),
		TotalItems:  snap.TotalItems,
		TotalAmount: snap.TotalAmount,
		Version:     snap.Version,
		Loading:     s.deps.Cart.Loading(),
		Guest:       s.deps.Cart.Identity().Guest(),
	}
	for _, line := range snap.Lines {
		view.Lines = append(view.Lines, lineView{
			linePayload: linePayload{
				ItemID:              line.ItemID,
				VendorID:            line.VendorID,
				Variant:             string(line.Variant.Normalize()),
				Name:                line.Name,
				UnitPrice:           line.UnitPrice,
				Currency:            line.Currency,
				Quantity:            line.Quantity,
				SpecialInstructions: line.SpecialInstructions,
			},
			Key:      line.Key().String(),
			Subtotal: line.Subtotal(),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) addItem(w http.ResponseWriter, r *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeLinePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.ItemID <= 0 {
		writeError(w, http.StatusBadRequest, "item_id required")
		return
	}
	if payload.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}
	line := cartmodel.Line{
		ItemID:              payload.ItemID,
		VendorID:            payload.VendorID,
		Variant:             cartmodel.VariantKey(payload.Variant),
		Name:                payload.Name,
		UnitPrice:           payload.UnitPrice,
		Currency:            payload.Currency,
		SpecialInstructions: payload.SpecialInstructions,
	}
	if err := s.deps.Cart.Add(r.Context(), line, payload.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeCart(w)
}

func (s *httpServer) setItemQuantity(w http.ResponseWriter, r *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeLinePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.deps.Cart.SetQuantity(r.Context(), payload.key(), payload.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeCart(w)
}

func (s *httpServer) removeItem(w http.ResponseWriter, r *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeLinePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.deps.Cart.Remove(r.Context(), payload.key()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeCart(w)
}

func (s *httpServer) clearCart(w http.ResponseWriter, r *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	if err := s.deps.Cart.Clear(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeCart(w)
}

func (s *httpServer) refreshCart(w http.ResponseWriter, r *http.Request) {
	if !s.cartAvailable(w) {
		return
	}
	if err := s.deps.Cart.Refresh(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeCart(w)
}

func (s *httpServer) listOrders(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Orders == nil {
		writeJSON(w, http.StatusOK, map[string]any{"orders": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": s.deps.Orders.Orders()})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order tracking unavailable")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	if !hasAction {
		s.handleOrderResource(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case "suggestions":
		s.handleSuggestions(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported order resource")
	}
}

func (s *httpServer) handleOrderResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		tracker, ok := s.deps.Orders.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "order not tracked")
			return
		}
		writeJSON(w, http.StatusOK, tracker.Snapshot())
	case http.MethodPut:
		tracker, err := s.deps.Orders.Track(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tracker.Snapshot())
	case http.MethodDelete:
		if err := s.deps.Orders.Untrack(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "untracked", "order_id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPut)
	}
}

func (s *httpServer) handleSuggestions(w http.ResponseWriter, r *http.Request, id string) {
	tracker, ok := s.deps.Orders.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "order not tracked")
		return
	}
	switch r.Method {
	case http.MethodGet:
		suggestions, ok := tracker.Suggestions()
		if !ok {
			writeError(w, http.StatusNotFound, "no suggestions")
			return
		}
		writeJSON(w, http.StatusOK, suggestions)
	case http.MethodDelete:
		tracker.DismissSuggestions()
		writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "order_id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (s *httpServer) getVerification(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Banner == nil {
		writeJSON(w, http.StatusOK, map[string]any{"statuses": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": s.deps.Banner.All()})
}

func (s *httpServer) getChannels(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Channels == nil {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []channel.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.deps.Channels.Statuses()})
}

func (s *httpServer) drainDeadLetters(w http.ResponseWriter, _ *http.Request) {
	dropped := s.deps.DeadLetters.Drain()
	out := make([]deadLetterView, 0, len(dropped))
	for _, frame := range dropped {
		out = append(out, deadLetterView{
			Source:     frame.Source,
			Reason:     frame.Reason,
			Payload:    string(frame.Payload),
			ReceivedAt: frame.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func (p linePayload) key() cartmodel.Key {
	return cartmodel.Key{ItemID: p.ItemID, VendorID: p.VendorID, Variant: cartmodel.VariantKey(p.Variant)}.Normalize()
}

func decodeLinePayload(r *http.Request) (linePayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload linePayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	var e *errs.E
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch e.Code {
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeAuth:
		writeError(w, http.StatusUnauthorized, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

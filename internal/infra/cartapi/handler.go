package cartapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/observability"
)

const maxRequestBytes = 1 << 20

// NewHandler serves backend over the cart wire API used by Client.
func NewHandler(backend cart.Backend) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(addPath, post(func(ctx context.Context, r *http.Request) (cart.Envelope, error) {
		var body addWire
		if err := decodeBody(r, &body); err != nil {
			return cart.Envelope{}, err
		}
		return backend.Add(ctx, cart.AddRequest{
			Token:               body.CartToken,
			ItemID:              body.ProductID,
			VendorID:            body.VendorID,
			Variant:             cart.VariantKey(body.VariantKey).Normalize(),
			Quantity:            body.Quantity,
			SpecialInstructions: body.SpecialInstructions,
		})
	}))
	mux.HandleFunc(getPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != getPath {
			writeEnvelopeError(w, errs.New(component, errs.CodeNotFound, errs.WithMessage("not found")))
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		env, err := backend.Get(r.Context(), r.URL.Query().Get("cart_token"))
		if err != nil {
			writeEnvelopeError(w, err)
			return
		}
		writeEnvelope(w, env)
	})
	mux.HandleFunc(updatePath, post(func(ctx context.Context, r *http.Request) (cart.Envelope, error) {
		var body lineWire
		if err := decodeBody(r, &body); err != nil {
			return cart.Envelope{}, err
		}
		return backend.Update(ctx, cart.UpdateRequest{Token: body.CartToken, Key: body.key(), Quantity: body.Quantity})
	}))
	mux.HandleFunc(removePath, post(func(ctx context.Context, r *http.Request) (cart.Envelope, error) {
		var body lineWire
		if err := decodeBody(r, &body); err != nil {
			return cart.Envelope{}, err
		}
		return backend.Remove(ctx, cart.RemoveRequest{Token: body.CartToken, Key: body.key()})
	}))
	mux.HandleFunc(clearPath, post(func(ctx context.Context, r *http.Request) (cart.Envelope, error) {
		var body tokenWire
		if err := decodeBody(r, &body); err != nil {
			return cart.Envelope{}, err
		}
		return backend.Clear(ctx, body.CartToken)
	}))
	return mux
}

func post(fn func(context.Context, *http.Request) (cart.Envelope, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		env, err := fn(r.Context(), r)
		if err != nil {
			writeEnvelopeError(w, err)
			return
		}
		writeEnvelope(w, env)
	}
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.New(component, errs.CodeInvalid, errs.WithHTTP(http.StatusRequestEntityTooLarge), errs.WithMessage("request body too large"))
		}
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid JSON payload"), errs.WithCause(err))
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, env cart.Envelope) {
	writeWire(w, http.StatusOK, envelopeToWire(env))
}

func writeEnvelopeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) {
		if e.Message != "" {
			message = e.Message
		}
		switch {
		case e.HTTP != 0:
			status = e.HTTP
		case e.Code == errs.CodeInvalid:
			status = http.StatusBadRequest
		case e.Code == errs.CodeNotFound:
			status = http.StatusNotFound
		case e.Code == errs.CodeAuth:
			status = http.StatusUnauthorized
		}
	}
	writeFailure(w, status, message)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeWire(w, status, envelopeWire{Success: false, Message: strings.TrimSpace(message), Products: []productWire{}})
}

func writeWire(w http.ResponseWriter, status int, payload envelopeWire) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Error("cart wire encode failed", observability.Field{Key: "error", Value: err})
	}
}

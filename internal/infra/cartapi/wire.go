// Package cartapi talks to the authoritative cart backend over HTTP and
// provides an in-process backend with the same semantics.
package cartapi

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/internal/domain/cart"
)

const component = "cartapi"

const (
	addPath    = "/cart/add"
	getPath    = "/cart/"
	updatePath = "/cart/update"
	removePath = "/cart/remove"
	clearPath  = "/cart/clear"
)

type productWire struct {
	ProductID           int64           `json:"product_id"`
	VendorID            int64           `json:"vendor_id"`
	Name                string          `json:"name"`
	Price               decimal.Decimal `json:"price"`
	Currency            string          `json:"currency,omitempty"`
	Quantity            int             `json:"quantity"`
	VariantKey          string          `json:"variant_key,omitempty"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

type envelopeWire struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	CartToken   string          `json:"cart_token,omitempty"`
	TotalItems  int             `json:"total_items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Products    []productWire   `json:"products"`
}

type addWire struct {
	ProductID           int64  `json:"product_id"`
	Quantity            int    `json:"quantity"`
	VendorID            int64  `json:"vendor_id,omitempty"`
	VariantKey          string `json:"variant_key,omitempty"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
	CartToken           string `json:"cart_token,omitempty"`
}

type lineWire struct {
	ProductID  int64  `json:"product_id"`
	VendorID   int64  `json:"vendor_id"`
	VariantKey string `json:"variant_key,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
	CartToken  string `json:"cart_token,omitempty"`
}

type tokenWire struct {
	CartToken string `json:"cart_token,omitempty"`
}

func (w envelopeWire) toEnvelope() cart.Envelope {
	lines := make([]cart.Line, 0, len(w.Products))
	for _, p := range w.Products {
		lines = append(lines, cart.Line{
			ItemID:              p.ProductID,
			VendorID:            p.VendorID,
			Variant:             cart.VariantKey(p.VariantKey).Normalize(),
			Name:                p.Name,
			UnitPrice:           p.Price,
			Currency:            p.Currency,
			Quantity:            p.Quantity,
			SpecialInstructions: p.SpecialInstructions,
		})
	}
	return cart.Envelope{
		Token:       w.CartToken,
		TotalItems:  w.TotalItems,
		TotalAmount: w.TotalAmount,
		Lines:       lines,
	}
}

func envelopeToWire(env cart.Envelope) envelopeWire {
	products := make([]productWire, 0, len(env.Lines))
	for _, line := range env.Lines {
		products = append(products, productWire{
			ProductID:           line.ItemID,
			VendorID:            line.VendorID,
			Name:                line.Name,
			Price:               line.UnitPrice,
			Currency:            line.Currency,
			Quantity:            line.Quantity,
			VariantKey:          string(line.Variant.Normalize()),
			SpecialInstructions: line.SpecialInstructions,
		})
	}
	return envelopeWire{
		Success:     true,
		CartToken:   env.Token,
		TotalItems:  env.TotalItems,
		TotalAmount: env.TotalAmount,
		Products:    products,
	}
}

func (w lineWire) key() cart.Key {
	return cart.Key{ItemID: w.ProductID, VendorID: w.VendorID, Variant: cart.VariantKey(w.VariantKey)}.Normalize()
}

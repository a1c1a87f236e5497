package cart

import (
	"context"

	"github.com/shopspring/decimal"
)

// AddRequest asks the backend to add Quantity of an item. VendorID and Variant
// are hints; the backend decides the resulting line.
type AddRequest struct {
	Token               string
	ItemID              int64
	VendorID            int64
	Variant             VariantKey
	Quantity            int
	SpecialInstructions string
}

// UpdateRequest overwrites the quantity of an existing line.
type UpdateRequest struct {
	Token    string
	Key      Key
	Quantity int
}

// RemoveRequest deletes a line.
type RemoveRequest struct {
	Token string
	Key   Key
}

// Envelope is the backend's authoritative cart. Token is set when the backend
// issued or confirmed a guest cart token.
type Envelope struct {
	Token       string
	TotalItems  int
	TotalAmount decimal.Decimal
	Lines       []Line
}

// Backend is the authoritative cart service.
type Backend interface {
	Add(ctx context.Context, req AddRequest) (Envelope, error)
	Get(ctx context.Context, token string) (Envelope, error)
	Update(ctx context.Context, req UpdateRequest) (Envelope, error)
	Remove(ctx context.Context, req RemoveRequest) (Envelope, error)
	Clear(ctx context.Context, token string) (Envelope, error)
}

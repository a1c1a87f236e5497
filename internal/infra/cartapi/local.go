package cartapi

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
)

// CatalogItem is a purchasable product known to the local backend.
type CatalogItem struct {
	ID       int64           `yaml:"id"`
	VendorID int64           `yaml:"vendor_id"`
	Name     string          `yaml:"name"`
	Price    decimal.Decimal `yaml:"price"`
	Currency string          `yaml:"currency"`
}

type catalogFile struct {
	Items []catalogItemYAML `yaml:"items"`
}

type catalogItemYAML struct {
	ID       int64  `yaml:"id"`
	VendorID int64  `yaml:"vendor_id"`
	Name     string `yaml:"name"`
	Price    string `yaml:"price"`
	Currency string `yaml:"currency"`
}

// LoadCatalog reads catalog items from a YAML file with a top-level items list.
func LoadCatalog(path string) ([]CatalogItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("read catalog"), errs.WithCause(err))
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("parse catalog"), errs.WithCause(err))
	}
	items := make([]CatalogItem, 0, len(file.Items))
	for _, item := range file.Items {
		price, err := decimal.NewFromString(strings.TrimSpace(item.Price))
		if err != nil {
			return nil, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("invalid catalog price"), errs.WithCause(err), errs.WithField("name", item.Name))
		}
		if item.ID <= 0 {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("catalog item id must be positive"))
		}
		items = append(items, CatalogItem{
			ID:       item.ID,
			VendorID: item.VendorID,
			Name:     item.Name,
			Price:    price,
			Currency: item.Currency,
		})
	}
	return items, nil
}

// LocalBackend is an in-process authoritative cart keyed by guest token.
type LocalBackend struct {
	mu      sync.Mutex
	catalog map[int64]CatalogItem
	carts   map[string]*cart.LineSet
}

// NewLocalBackend constructs a backend selling the given items.
func NewLocalBackend(items ...CatalogItem) *LocalBackend {
	catalog := make(map[int64]CatalogItem, len(items))
	for _, item := range items {
		catalog[item.ID] = item
	}
	return &LocalBackend{catalog: catalog, carts: make(map[string]*cart.LineSet)}
}

// Add implements cart.Backend. A blank token opens a new guest cart.
func (b *LocalBackend) Add(ctx context.Context, req cart.AddRequest) (cart.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cart.Envelope{}, err
	}
	if req.Quantity <= 0 {
		return cart.Envelope{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.catalog[req.ItemID]
	if !ok {
		return cart.Envelope{}, errs.New(component, errs.CodeNotFound, errs.WithMessage("product not found"))
	}
	if req.VendorID != 0 && req.VendorID != item.VendorID {
		return cart.Envelope{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("product not sold by vendor"))
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = uuid.NewString()
	}
	set := b.cartLocked(token)
	set.Merge(cart.Line{
		ItemID:              item.ID,
		VendorID:            item.VendorID,
		Variant:             req.Variant,
		Name:                item.Name,
		UnitPrice:           item.Price,
		Currency:            item.Currency,
		SpecialInstructions: req.SpecialInstructions,
	}, req.Quantity)
	return envelope(token, set), nil
}

// Get implements cart.Backend. Unknown tokens read as an empty cart.
func (b *LocalBackend) Get(ctx context.Context, token string) (cart.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cart.Envelope{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.carts[token]
	if !ok {
		return envelope("", cart.NewLineSet()), nil
	}
	return envelope(token, set), nil
}

// Update implements cart.Backend. Quantity zero removes the line.
func (b *LocalBackend) Update(ctx context.Context, req cart.UpdateRequest) (cart.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cart.Envelope{}, err
	}
	if req.Quantity < 0 {
		return cart.Envelope{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("quantity must not be negative"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.carts[req.Token]
	if !ok || !set.SetQuantity(req.Key, req.Quantity) {
		return cart.Envelope{}, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("cart line not found"), errs.WithField("key", req.Key.String()))
	}
	return envelope(req.Token, set), nil
}

// Remove implements cart.Backend.
func (b *LocalBackend) Remove(ctx context.Context, req cart.RemoveRequest) (cart.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cart.Envelope{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.carts[req.Token]
	if !ok || !set.Delete(req.Key) {
		return cart.Envelope{}, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("cart line not found"), errs.WithField("key", req.Key.String()))
	}
	return envelope(req.Token, set), nil
}

// Clear implements cart.Backend.
func (b *LocalBackend) Clear(ctx context.Context, token string) (cart.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cart.Envelope{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.carts[token]; !ok {
		return envelope("", cart.NewLineSet()), nil
	}
	b.carts[token] = cart.NewLineSet()
	return envelope(token, b.carts[token]), nil
}

func (b *LocalBackend) cartLocked(token string) *cart.LineSet {
	set, ok := b.carts[token]
	if !ok {
		set = cart.NewLineSet()
		b.carts[token] = set
	}
	return set
}

func envelope(token string, set *cart.LineSet) cart.Envelope {
	snap := cart.Derive(set.Lines())
	return cart.Envelope{
		Token:       token,
		TotalItems:  snap.TotalItems,
		TotalAmount: snap.TotalAmount,
		Lines:       snap.Lines,
	}
}

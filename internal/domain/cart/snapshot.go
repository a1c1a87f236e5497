package cart

import (
	"context"

	"github.com/shopspring/decimal"
)

// Snapshot is the derived view of the cart. It is always recomputed from the full
// line set and never patched incrementally.
type Snapshot struct {
	Lines       []Line
	TotalItems  int
	TotalAmount decimal.Decimal
	Version     uint64
}

// Derive computes totals over lines.
func Derive(lines []Line) Snapshot {
	out := make([]Line, len(lines))
	copy(out, lines)
	total := decimal.Zero
	items := 0
	for _, line := range out {
		items += line.Quantity
		total = total.Add(line.Subtotal())
	}
	return Snapshot{Lines: out, TotalItems: items, TotalAmount: total}
}

// Find returns the line with the given key.
func (s Snapshot) Find(key Key) (Line, bool) {
	key = key.Normalize()
	for _, line := range s.Lines {
		if line.Key() == key {
			return line, true
		}
	}
	return Line{}, false
}

// Identity carries the guest cart token replayed on every backend call until an
// authenticated merge clears it.
type Identity struct {
	Token string
}

// Guest reports whether a guest cart token is held.
func (i Identity) Guest() bool {
	return i.Token != ""
}

// IdentityStore persists the cart token as a single string value.
// Get returns an empty token when nothing is stored.
type IdentityStore interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

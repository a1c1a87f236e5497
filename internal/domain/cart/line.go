package cart

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Key identifies a cart line. At most one line exists per key.
type Key struct {
	ItemID   int64
	VendorID int64
	Variant  VariantKey
}

// Normalize returns the key with a canonical variant.
func (k Key) Normalize() Key {
	k.Variant = k.Variant.Normalize()
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.ItemID, k.VendorID, k.Variant.Normalize())
}

// Line is one distinct purchasable item configuration and its quantity.
type Line struct {
	ItemID              int64
	VendorID            int64
	Variant             VariantKey
	Name                string
	UnitPrice           decimal.Decimal
	Currency            string
	Quantity            int
	SpecialInstructions string
}

// Key returns the identity key of the line.
func (l Line) Key() Key {
	return Key{ItemID: l.ItemID, VendorID: l.VendorID, Variant: l.Variant.Normalize()}
}

// Subtotal returns unit price times quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineSet keeps lines unique by key in first-insertion order.
type LineSet struct {
	order []Key
	lines map[Key]Line
}

// NewLineSet builds a set from lines, merging duplicates by key and dropping
// non-positive quantities.
func NewLineSet(lines ...Line) *LineSet {
	set := &LineSet{order: make([]Key, 0, len(lines)), lines: make(map[Key]Line, len(lines))}
	for _, line := range lines {
		set.Merge(line, line.Quantity)
	}
	return set
}

// Merge adds qty of the line: an existing line with the same key has its quantity
// increased, otherwise the line is created. qty <= 0 is a no-op.
func (s *LineSet) Merge(line Line, qty int) {
	if qty <= 0 {
		return
	}
	key := line.Key()
	if existing, ok := s.lines[key]; ok {
		existing.Quantity += qty
		s.lines[key] = existing
		return
	}
	line.Variant = key.Variant
	line.Quantity = qty
	s.lines[key] = line
	s.order = append(s.order, key)
}

// SetQuantity overwrites the quantity of an existing line. qty <= 0 removes it.
// It reports whether the key was present.
func (s *LineSet) SetQuantity(key Key, qty int) bool {
	key = key.Normalize()
	existing, ok := s.lines[key]
	if !ok {
		return false
	}
	if qty <= 0 {
		s.Delete(key)
		return true
	}
	existing.Quantity = qty
	s.lines[key] = existing
	return true
}

// Delete removes the line and reports whether it was present.
func (s *LineSet) Delete(key Key) bool {
	key = key.Normalize()
	if _, ok := s.lines[key]; !ok {
		return false
	}
	delete(s.lines, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the line stored under key.
func (s *LineSet) Get(key Key) (Line, bool) {
	line, ok := s.lines[key.Normalize()]
	return line, ok
}

// Len returns the number of distinct lines.
func (s *LineSet) Len() int {
	return len(s.order)
}

// Lines returns a copy of the lines in insertion order.
func (s *LineSet) Lines() []Line {
	out := make([]Line, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.lines[key])
	}
	return out
}

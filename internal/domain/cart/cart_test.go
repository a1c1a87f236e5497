package cart

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestVariantKeyIsOrderIndependent(t *testing.T) {
	a := Variant{Size: "Large", Extras: []string{"cheese", "bacon"}, Addons: []string{"fries"}}
	b := Variant{Size: " large ", Extras: []string{"bacon", "cheese"}, Addons: []string{"fries"}}
	require.Equal(t, a.Key(), b.Key())

	c := Variant{Size: "large", Extras: []string{"bacon", "bacon", "cheese"}, Addons: []string{"fries"}}
	require.NotEqual(t, a.Key(), c.Key(), "multiplicity is part of identity")

	d := Variant{Size: "large", Addons: []string{"bacon", "cheese"}, Extras: []string{"fries"}}
	require.NotEqual(t, a.Key(), d.Key(), "extras and addons are distinct multisets")
}

func TestEmptyVariantIsNone(t *testing.T) {
	require.Equal(t, NoVariant, Variant{}.Key())
	require.Equal(t, NoVariant, Variant{Extras: []string{" ", ""}}.Key())
	require.Equal(t, NoVariant, VariantKey("").Normalize())
}

func TestLineSetDedupMergesSameKey(t *testing.T) {
	price := decimal.RequireFromString("4.50")
	burger := Line{ItemID: 5, VendorID: 2, Variant: NoVariant, UnitPrice: price}

	set := NewLineSet()
	set.Merge(burger, 1)
	set.Merge(burger, 2)

	require.Equal(t, 1, set.Len())
	line, ok := set.Get(burger.Key())
	require.True(t, ok)
	require.Equal(t, 3, line.Quantity)

	large := burger
	large.Variant = Variant{Size: "large"}.Key()
	set.Merge(large, 1)
	require.Equal(t, 2, set.Len())
}

func TestLineSetMergeIgnoresNonPositive(t *testing.T) {
	set := NewLineSet()
	set.Merge(Line{ItemID: 1}, 0)
	set.Merge(Line{ItemID: 1}, -2)
	require.Equal(t, 0, set.Len())
}

func TestSetQuantityZeroRemovesLine(t *testing.T) {
	line := Line{ItemID: 7, VendorID: 1, UnitPrice: decimal.NewFromInt(3), Quantity: 2}
	set := NewLineSet(line)

	require.True(t, set.SetQuantity(line.Key(), 0))
	_, ok := set.Get(line.Key())
	require.False(t, ok)
	require.Equal(t, 0, set.Len())
	require.False(t, set.SetQuantity(line.Key(), 4), "missing key is reported")
}

func TestNewLineSetMergesDuplicateInput(t *testing.T) {
	a := Line{ItemID: 1, VendorID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(2)}
	b := Line{ItemID: 1, VendorID: 1, Variant: "", Quantity: 4, UnitPrice: decimal.NewFromInt(2)}
	c := Line{ItemID: 2, VendorID: 1, Quantity: 0}

	set := NewLineSet(a, b, c)
	lines := set.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 5, lines[0].Quantity)
	require.Equal(t, NoVariant, lines[0].Variant)
}

func TestDeriveTotals(t *testing.T) {
	snap := Derive([]Line{
		{ItemID: 1, UnitPrice: decimal.RequireFromString("1.10"), Quantity: 3},
		{ItemID: 2, UnitPrice: decimal.RequireFromString("0.20"), Quantity: 1},
	})
	require.Equal(t, 4, snap.TotalItems)
	require.True(t, snap.TotalAmount.Equal(decimal.RequireFromString("3.50")), "got %s", snap.TotalAmount)

	empty := Derive(nil)
	require.Equal(t, 0, empty.TotalItems)
	require.True(t, empty.TotalAmount.IsZero())
}

func TestSnapshotTotalsMatchLineSumForAnyMutationSequence(t *testing.T) {
	catalog := []Line{
		{ItemID: 1, VendorID: 1, UnitPrice: decimal.RequireFromString("0.10")},
		{ItemID: 2, VendorID: 1, UnitPrice: decimal.RequireFromString("2.35")},
		{ItemID: 2, VendorID: 1, Variant: Variant{Size: "xl"}.Key(), UnitPrice: decimal.RequireFromString("3.05")},
		{ItemID: 3, VendorID: 9, UnitPrice: decimal.RequireFromString("19.99")},
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("totals equal sum of unit price times quantity", prop.ForAll(
		func(ops []int, qtys []int) bool {
			set := NewLineSet()
			model := make(map[Key]int)
			for i := 0; i < len(ops) && i < len(qtys); i++ {
				line := catalog[ops[i]%len(catalog)]
				qty := qtys[i]
				switch (ops[i] / len(catalog)) % 3 {
				case 0:
					set.Merge(line, qty)
					if qty > 0 {
						model[line.Key()] += qty
					}
				case 1:
					if set.SetQuantity(line.Key(), qty) {
						if qty <= 0 {
							delete(model, line.Key())
						} else {
							model[line.Key()] = qty
						}
					}
				default:
					set.Delete(line.Key())
					delete(model, line.Key())
				}
			}

			snap := Derive(set.Lines())
			want := decimal.Zero
			items := 0
			for _, line := range catalog {
				qty, ok := model[line.Key()]
				if !ok {
					continue
				}
				want = want.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
				items += qty
			}
			if len(snap.Lines) != len(model) || snap.TotalItems != items {
				return false
			}
			for _, line := range snap.Lines {
				if line.Quantity < 1 {
					return false
				}
			}
			return snap.TotalAmount.Equal(want)
		},
		gen.SliceOf(gen.IntRange(0, 11)),
		gen.SliceOf(gen.IntRange(-1, 5)),
	))

	properties.TestingRun(t)
}

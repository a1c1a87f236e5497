// Package cart defines cart lines, their identity keys and derived snapshots.
package cart

import (
	"net/url"
	"sort"
	"strings"
)

// NoVariant is the canonical key of an item ordered without modifiers.
const NoVariant VariantKey = "none"

// VariantKey is the canonical, order-independent encoding of a Variant.
type VariantKey string

// Variant lists the optional modifiers selected for an item.
type Variant struct {
	Size        string
	Extras      []string
	Addons      []string
	Substitutes []string
}

// Key encodes the variant so that two selections compare equal iff their size and
// their multisets of extras, addons and substitutes are equal.
func (v Variant) Key() VariantKey {
	size := strings.ToLower(strings.TrimSpace(v.Size))
	extras := canonicalMultiset(v.Extras)
	addons := canonicalMultiset(v.Addons)
	subs := canonicalMultiset(v.Substitutes)
	if size == "" && len(extras) == 0 && len(addons) == 0 && len(subs) == 0 {
		return NoVariant
	}
	parts := []string{
		"size=" + url.QueryEscape(size),
		"extras=" + strings.Join(extras, ","),
		"addons=" + strings.Join(addons, ","),
		"subs=" + strings.Join(subs, ","),
	}
	return VariantKey(strings.Join(parts, ";"))
}

// Normalize maps blank keys to NoVariant.
func (k VariantKey) Normalize() VariantKey {
	trimmed := strings.TrimSpace(string(k))
	if trimmed == "" {
		return NoVariant
	}
	return VariantKey(trimmed)
}

func canonicalMultiset(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		out = append(out, url.QueryEscape(trimmed))
	}
	sort.Strings(out)
	return out
}

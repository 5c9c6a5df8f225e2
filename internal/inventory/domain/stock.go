package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Variant is an inventory-bearing product variant. Stock never goes negative.
type Variant struct {
	ID         string
	SKU        string
	PriceCents int64
	Currency   string
	Stock      int
	UpdatedAt  time.Time
}

// Line is a quantity of one variant moved in or out of stock.
type Line struct {
	VariantID string
	Quantity  int
}

// MaxLineQuantity caps the units of one variant in a single batch.
const MaxLineQuantity = 10_000

var ErrInvalidLine = errors.New("inventory: line needs a variant id and a positive quantity")

// InsufficientStockError lists the variants whose stock could not cover the
// requested quantity. No stock was changed when it is returned.
type InsufficientStockError struct {
	VariantIDs []string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s", strings.Join(e.VariantIDs, ", "))
}

// Consolidate validates lines, merges repeated variants and orders the result
// by variant id so concurrent batches lock rows in the same order.
func Consolidate(lines []Line) ([]Line, error) {
	merged := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.VariantID == "" || l.Quantity <= 0 || l.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: %q x %d", ErrInvalidLine, l.VariantID, l.Quantity)
		}
		merged[l.VariantID] += l.Quantity
		if merged[l.VariantID] > MaxLineQuantity {
			return nil, fmt.Errorf("%w: %q exceeds %d units", ErrInvalidLine, l.VariantID, MaxLineQuantity)
		}
	}
	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{VariantID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

package application

import (
	"context"

	"github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
)

// StockStore is a transaction-scoped view of variant stock.
type StockStore interface {
	// DecrementAll reduces every line's stock or none of them. The returned
	// ids are the variants whose stock was below the requested quantity.
	DecrementAll(ctx context.Context, lines []domain.Line) (failed []string, err error)
	RestoreAll(ctx context.Context, lines []domain.Line) error
}

// StockReader serves display reads; results may lag in-flight transitions.
type StockReader interface {
	StockLevels(ctx context.Context, variantIDs []string) (map[string]int, error)
}

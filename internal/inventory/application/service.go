package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
)

// Ledger commits and releases stock for whole orders. It is handed the
// transaction-scoped store on every call and never holds one itself.
type Ledger struct {
	log *slog.Logger
}

func NewLedger(log *slog.Logger) *Ledger {
	return &Ledger{log: log}
}

// Decrement takes every line out of stock atomically or returns
// *domain.InsufficientStockError with nothing changed.
func (l *Ledger) Decrement(ctx context.Context, store StockStore, lines []domain.Line) error {
	batch, err := domain.Consolidate(lines)
	if err != nil {
		return err
	}
	failed, err := store.DecrementAll(ctx, batch)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if len(failed) > 0 {
		l.log.Warn("stock decrement rejected", "variants", failed)
		return &domain.InsufficientStockError{VariantIDs: failed}
	}
	l.log.Debug("stock decremented", "lines", len(batch))
	return nil
}

// Restore puts every line back into stock.
func (l *Ledger) Restore(ctx context.Context, store StockStore, lines []domain.Line) error {
	batch, err := domain.Consolidate(lines)
	if err != nil {
		return err
	}
	if err := store.RestoreAll(ctx, batch); err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	l.log.Debug("stock restored", "lines", len(batch))
	return nil
}

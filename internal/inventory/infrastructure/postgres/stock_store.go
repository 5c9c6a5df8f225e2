package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
)

// Catalog serves variant reads straight from the pool.
type Catalog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewCatalog(log *slog.Logger, pool *pgxpool.Pool) *Catalog {
	return &Catalog{log: log, pool: pool}
}

func (c *Catalog) Variants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, sku, price_cents, currency, stock, updated_at FROM product_variants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Variant, len(ids))
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.SKU, &v.PriceCents, &v.Currency, &v.Stock, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}

func (c *Catalog) StockLevels(ctx context.Context, ids []string) (map[string]int, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, stock FROM product_variants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int, len(ids))
	for rows.Next() {
		var (
			id    string
			stock int
		)
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, err
		}
		out[id] = stock
	}
	return out, rows.Err()
}

// UpsertVariant writes a catalog row; used by seeding and tests.
func (c *Catalog) UpsertVariant(ctx context.Context, v domain.Variant) error {
	_, err := c.pool.Exec(ctx, `INSERT INTO product_variants (id, sku, price_cents, currency, stock, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (id) DO UPDATE SET sku=$2, price_cents=$3, currency=$4, stock=$5, updated_at=now()`,
		v.ID, v.SKU, v.PriceCents, v.Currency, v.Stock)
	return err
}

// TxStock changes stock inside an open transaction.
type TxStock struct {
	tx pgx.Tx
}

func NewTxStock(tx pgx.Tx) *TxStock {
	return &TxStock{tx: tx}
}

// DecrementAll runs every conditional update under a savepoint and rolls the
// savepoint back if any row fails its stock >= quantity guard, leaving the
// enclosing transaction usable.
func (s *TxStock) DecrementAll(ctx context.Context, lines []domain.Line) ([]string, error) {
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	defer func() {
		_ = sp.Rollback(ctx)
	}()

	var failed []string
	for _, l := range lines {
		tag, err := sp.Exec(ctx, `UPDATE product_variants SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`,
			l.VariantID, l.Quantity)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			failed = append(failed, l.VariantID)
		}
	}
	if len(failed) > 0 {
		return failed, nil
	}
	return nil, sp.Commit(ctx)
}

func (s *TxStock) RestoreAll(ctx context.Context, lines []domain.Line) error {
	for _, l := range lines {
		tag, err := s.tx.Exec(ctx, `UPDATE product_variants SET stock = stock + $2, updated_at = now() WHERE id = $1`, l.VariantID, l.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("variant %s not found", l.VariantID)
		}
	}
	return nil
}

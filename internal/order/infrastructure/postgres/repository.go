package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventorypg "github.com/dmehra2102/storefront-checkout/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/order/application"
	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
	platform "github.com/dmehra2102/storefront-checkout/internal/platform/postgres"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

var _ application.Store = (*Repository)(nil)

func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &orderTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(ctx, r.pool, id, "")
}

const orderColumns = `id, order_number, user_id, customer_email, currency, total_cents, status, payment_status,
	access_token, COALESCE(remote_order_id, ''), stock_committed, needs_review, review_reason, paid_at, created_at, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, id, lock string) (domain.Order, error) {
	var o domain.Order
	err := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 `+lock, id).Scan(
		&o.ID, &o.Number, &o.UserID, &o.CustomerEmail, &o.Currency, &o.TotalCents, &o.Status, &o.PaymentStatus,
		&o.AccessToken, &o.RemoteOrderID, &o.StockCommitted, &o.NeedsReview, &o.ReviewReason, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: %s", application.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := q.Query(ctx, `SELECT variant_id, quantity, unit_price_cents FROM order_items WHERE order_id=$1 ORDER BY variant_id`, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.VariantID, &it.Quantity, &it.UnitPriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) NextOrderNumber(ctx context.Context) (string, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%d", n), nil
}

func (t *orderTx) Insert(ctx context.Context, o domain.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (id, order_number, user_id, customer_email, currency, total_cents, status,
			payment_status, access_token, remote_order_id, stock_committed, needs_review, review_reason, paid_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13,$14,$15,$16)`,
		o.ID, o.Number, o.UserID, o.CustomerEmail, o.Currency, o.TotalCents, o.Status,
		o.PaymentStatus, o.AccessToken, o.RemoteOrderID, o.StockCommitted, o.NeedsReview, o.ReviewReason, o.PaidAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, variant_id, quantity, unit_price_cents) VALUES ($1,$2,$3,$4)`,
			o.ID, it.VariantID, it.Quantity, it.UnitPriceCents)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *orderTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return loadOrder(ctx, t.tx, id, "FOR UPDATE")
}

// Update writes the mutable lifecycle columns. Items and ownership are not
// touched here.
func (t *orderTx) Update(ctx context.Context, o domain.Order) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, remote_order_id=NULLIF($4,''),
			stock_committed=$5, needs_review=$6, review_reason=$7, paid_at=$8, updated_at=$9
		WHERE id=$1`,
		o.ID, o.Status, o.PaymentStatus, o.RemoteOrderID, o.StockCommitted, o.NeedsReview, o.ReviewReason, o.PaidAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", application.ErrNotFound, o.ID)
	}
	return nil
}

func (t *orderTx) TransactionApplied(ctx context.Context, orderID, transactionID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_payment_transactions WHERE order_id=$1 AND transaction_id=$2)`,
		orderID, transactionID).Scan(&ok)
	return ok, err
}

func (t *orderTx) RecordTransaction(ctx context.Context, a application.AppliedTransaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO order_payment_transactions (order_id, transaction_id, outcome, amount_cents, applied_at)
		VALUES ($1,$2,$3,$4,$5)`, a.OrderID, a.TransactionID, a.Outcome, a.AmountCents, a.AppliedAt)
	return err
}

func (t *orderTx) Stock() inventoryapp.StockStore {
	return inventorypg.NewTxStock(t.tx)
}

func (t *orderTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	return platform.AppendOutbox(ctx, t.tx, ev)
}

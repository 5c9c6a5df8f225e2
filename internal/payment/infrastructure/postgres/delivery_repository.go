package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/storefront-checkout/internal/payment/application"
	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

// DeliveryRepository is the webhook audit log.
type DeliveryRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewDeliveryRepository(log *slog.Logger, pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{log: log, pool: pool}
}

var _ application.DeliveryStore = (*DeliveryRepository)(nil)

func (r *DeliveryRepository) Record(ctx context.Context, d domain.Delivery) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO webhook_deliveries (received_at, signature, payload, outcome)
		VALUES ($1,$2,$3,$4) RETURNING id`, d.ReceivedAt, d.Signature, d.Payload, d.Outcome).Scan(&id)
	return id, err
}

func (r *DeliveryRepository) Resolve(ctx context.Context, id int64, res application.Resolution) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_deliveries
		SET outcome=$2, transaction_id=$3, merchant_order_id=$4, detail=$5, resolved_at=$6
		WHERE id=$1`, id, res.Outcome, res.TransactionID, res.MerchantOrderID, res.Detail, res.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery %d not found", id)
	}
	return nil
}

// Recent lists the latest deliveries, newest first.
func (r *DeliveryRepository) Recent(ctx context.Context, limit int) ([]domain.Delivery, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, received_at, signature, payload, outcome, transaction_id, merchant_order_id, detail, resolved_at
		FROM webhook_deliveries ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.ReceivedAt, &d.Signature, &d.Payload, &d.Outcome, &d.TransactionID, &d.MerchantOrderID, &d.Detail, &d.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

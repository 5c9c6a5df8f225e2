package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/storefront-checkout/internal/guest/application"
	"github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	platform "github.com/dmehra2102/storefront-checkout/internal/platform/postgres"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
)

type InviteRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewInviteRepository(log *slog.Logger, pool *pgxpool.Pool) *InviteRepository {
	return &InviteRepository{log: log, pool: pool}
}

var _ application.Store = (*InviteRepository)(nil)

func (r *InviteRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &inviteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type inviteTx struct {
	tx pgx.Tx
}

// LockOrder loads only the columns invites need.
func (t *inviteTx) LockOrder(ctx context.Context, id string) (orderdomain.Order, error) {
	var o orderdomain.Order
	err := t.tx.QueryRow(ctx, `SELECT id, order_number, user_id, customer_email, status FROM orders WHERE id=$1 FOR UPDATE`, id).
		Scan(&o.ID, &o.Number, &o.UserID, &o.CustomerEmail, &o.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderdomain.Order{}, fmt.Errorf("%w: %s", orderapp.ErrNotFound, id)
	}
	return o, err
}

func (t *inviteTx) InsertInvite(ctx context.Context, inv domain.Invite) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO guest_invites (id, order_id, email, token, expires_at, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		inv.ID, inv.OrderID, inv.Email, inv.Token, inv.ExpiresAt, inv.CreatedAt)
	return err
}

func (t *inviteTx) LockInvite(ctx context.Context, token string) (domain.Invite, error) {
	var (
		inv        domain.Invite
		consumedBy *string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, order_id, email, token, expires_at, created_at, consumed_at, consumed_by
		FROM guest_invites WHERE token=$1 FOR UPDATE`, token).
		Scan(&inv.ID, &inv.OrderID, &inv.Email, &inv.Token, &inv.ExpiresAt, &inv.CreatedAt, &inv.ConsumedAt, &consumedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Invite{}, domain.ErrInviteNotFound
	}
	if err != nil {
		return domain.Invite{}, err
	}
	if consumedBy != nil {
		inv.ConsumedBy = *consumedBy
	}
	return inv, nil
}

func (t *inviteTx) ConsumeInvite(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE guest_invites SET consumed_at=$3, consumed_by=$2 WHERE id=$1 AND consumed_at IS NULL`, id, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *inviteTx) LinkOrder(ctx context.Context, orderID, userID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET user_id=$2, updated_at=$3 WHERE id=$1 AND user_id IS NULL`, orderID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *inviteTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	return platform.AppendOutbox(ctx, t.tx, ev)
}

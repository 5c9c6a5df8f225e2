package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	"github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
	"github.com/dmehra2102/storefront-checkout/pkg/tracing"
)

// Bridge turns guest orders into account orders through single-use invites.
type Bridge struct {
	log      *slog.Logger
	store    Store
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Bridge)

func WithTTL(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

func NewBridge(log *slog.Logger, store Store, notifier Notifier, opts ...Option) *Bridge {
	b := &Bridge{
		log:      log,
		store:    store,
		notifier: notifier,
		ttl:      domain.DefaultInviteTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateInvite issues an invite for a guest order. email must be the address
// the order was placed with.
func (b *Bridge) CreateInvite(ctx context.Context, orderID, email string) (domain.Invite, error) {
	inv, _, err := b.create(ctx, orderID, func(o orderdomain.Order) error {
		if !strings.EqualFold(strings.TrimSpace(email), o.CustomerEmail) {
			return domain.ErrEmailMismatch
		}
		return nil
	})
	if err != nil {
		return domain.Invite{}, err
	}
	b.log.Info("invite created", "order_id", orderID, "invite_id", inv.ID)
	return inv, nil
}

// OfferInvite creates an invite for a freshly confirmed guest order and hands
// it to the notifier. Orders that already have an owner are skipped.
func (b *Bridge) OfferInvite(ctx context.Context, orderID string) error {
	inv, number, err := b.create(ctx, orderID, nil)
	if errors.Is(err, domain.ErrNotGuestOrder) {
		b.log.Debug("invite offer skipped", "order_id", orderID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.notifier.NotifyInvite(ctx, inv, number); err != nil {
		return fmt.Errorf("notify invite: %w", err)
	}
	b.log.Info("invite offered", "order_id", orderID, "invite_id", inv.ID)
	return nil
}

func (b *Bridge) create(ctx context.Context, orderID string, check func(orderdomain.Order) error) (domain.Invite, string, error) {
	token, err := access.RandomToken()
	if err != nil {
		return domain.Invite{}, "", fmt.Errorf("invite token: %w", err)
	}

	var (
		inv    domain.Invite
		number string
	)
	err = b.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.IsGuest() {
			return domain.ErrNotGuestOrder
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		inv = domain.NewInvite(uuid.NewString(), o.ID, o.CustomerEmail, token, b.now(), b.ttl)
		number = o.Number
		return tx.InsertInvite(ctx, inv)
	})
	return inv, number, err
}

// Redeem consumes the invite and links its order to userID in one
// transaction. Of two concurrent redemptions exactly one succeeds.
func (b *Bridge) Redeem(ctx context.Context, token, userID string) (domain.LinkedOrder, error) {
	if token == "" {
		return domain.LinkedOrder{}, domain.ErrInviteNotFound
	}

	var linked domain.LinkedOrder
	err := b.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := b.now().UTC()
		inv, err := tx.LockInvite(ctx, token)
		if err != nil {
			return err
		}
		if err := inv.Redeemable(now); err != nil {
			return err
		}
		ok, err := tx.ConsumeInvite(ctx, inv.ID, userID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInviteAlreadyUsed
		}

		o, err := tx.LockOrder(ctx, inv.OrderID)
		if err != nil {
			return err
		}
		ok, err = tx.LinkOrder(ctx, o.ID, userID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotGuestOrder
		}

		payload, err := json.Marshal(orderdomain.OrderClaimed{OrderID: o.ID, UserID: userID})
		if err != nil {
			return err
		}
		linked = domain.LinkedOrder{OrderID: o.ID, OrderNumber: o.Number, UserID: userID}
		return tx.AppendOutbox(ctx, outbox.Event{
			AggregateType: "order",
			AggregateID:   o.ID,
			Type:          orderdomain.EventOrderClaimed,
			Payload:       payload,
			Traceparent:   tracing.Traceparent(ctx),
			CreatedAt:     now,
			Status:        outbox.StatusPending,
		})
	})
	if err != nil {
		b.log.Warn("invite redemption failed", "err", err)
		return domain.LinkedOrder{}, err
	}
	b.log.Info("guest order claimed", "order_id", linked.OrderID, "user_id", userID)
	return linked, nil
}

// LogNotifier writes invites to the log instead of mailing them.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyInvite(_ context.Context, inv domain.Invite, orderNumber string) error {
	n.log.Info("invite ready", "order_number", orderNumber, "email", inv.Email, "invite_id", inv.ID, "expires_at", inv.ExpiresAt)
	return nil
}

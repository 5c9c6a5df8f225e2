package application

import (
	"context"
	"time"

	"github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
)

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// LockOrder returns orderapp.ErrNotFound for unknown ids.
	LockOrder(ctx context.Context, orderID string) (orderdomain.Order, error)
	InsertInvite(ctx context.Context, inv domain.Invite) error
	// LockInvite returns domain.ErrInviteNotFound for unknown tokens.
	LockInvite(ctx context.Context, token string) (domain.Invite, error)
	// ConsumeInvite marks an unconsumed invite used and reports whether it did.
	ConsumeInvite(ctx context.Context, id, userID string, at time.Time) (bool, error)
	// LinkOrder sets the owner of an ownerless order and reports whether it did.
	LinkOrder(ctx context.Context, orderID, userID string, at time.Time) (bool, error)
	AppendOutbox(ctx context.Context, ev outbox.Event) error
}

// Notifier delivers an invite to the guest. Mail delivery lives outside this service.
type Notifier interface {
	NotifyInvite(ctx context.Context, inv domain.Invite, orderNumber string) error
}

package application

import (
	"context"
	"errors"
	"time"

	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
	paymentdomain "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
)

var ErrNotFound = errors.New("order: not found")

// Store is the order repository. All mutations go through WithinTx.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (domain.Order, error)
}

// AppliedTransaction remembers a gateway transaction already settled against an order.
type AppliedTransaction struct {
	OrderID       string
	TransactionID string
	Outcome       paymentdomain.SettlementOutcome
	AmountCents   int64
	AppliedAt     time.Time
}

// Tx is one serializable unit of work over orders, their stock and the outbox.
type Tx interface {
	NextOrderNumber(ctx context.Context) (string, error)
	Insert(ctx context.Context, o domain.Order) error
	// LockOrder loads the order and holds it until the transaction ends.
	LockOrder(ctx context.Context, id string) (domain.Order, error)
	Update(ctx context.Context, o domain.Order) error
	TransactionApplied(ctx context.Context, orderID, transactionID string) (bool, error)
	RecordTransaction(ctx context.Context, t AppliedTransaction) error
	Stock() inventoryapp.StockStore
	AppendOutbox(ctx context.Context, ev outbox.Event) error
}

// Catalog returns the current variants for price snapshots. Unknown ids are
// absent from the result.
type Catalog interface {
	Variants(ctx context.Context, ids []string) (map[string]inventory.Variant, error)
}

type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req paymentdomain.PaymentRequest) (paymentdomain.PaymentHandle, error)
}

type TokenIssuer interface {
	Issue() (string, error)
}

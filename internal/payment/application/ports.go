package application

import (
	"context"
	"time"

	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

// DeliveryStore is the audit log of raw webhook deliveries.
type DeliveryStore interface {
	Record(ctx context.Context, d domain.Delivery) (int64, error)
	Resolve(ctx context.Context, id int64, res Resolution) error
}

type Resolution struct {
	Outcome         domain.DeliveryOutcome
	TransactionID   string
	MerchantOrderID string
	Detail          string
	At              time.Time
}

type Verifier interface {
	Verify(raw []byte, signature string) (domain.VerifiedEvent, error)
}

// Settler applies verified events to orders.
type Settler interface {
	ApplyPaymentEvent(ctx context.Context, ev domain.VerifiedEvent) (domain.Settlement, error)
}

// Deduper is a fast-path filter in front of the settler's own idempotency.
// Keys are only marked after a settlement committed.
type Deduper interface {
	ScopedKey(scope, id string) string
	Exists(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

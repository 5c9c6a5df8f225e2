package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
)

type OrderStatus string

const (
	StatusDraft          OrderStatus = "DRAFT"
	StatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	StatusConfirmed      OrderStatus = "CONFIRMED"
	StatusShipped        OrderStatus = "SHIPPED"
	StatusDelivered      OrderStatus = "DELIVERED"
	StatusCanceled       OrderStatus = "CANCELED"
	StatusRefunded       OrderStatus = "REFUNDED"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCanceled || s == StatusRefunded
}

type PaymentStatus string

const (
	PaymentNotPaid    PaymentStatus = "NOT_PAID"
	PaymentAuthorized PaymentStatus = "AUTHORIZED"
	PaymentCaptured   PaymentStatus = "CAPTURED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// Settled reports whether the gateway has confirmed the money.
func (p PaymentStatus) Settled() bool {
	return p == PaymentAuthorized || p == PaymentCaptured
}

// OrderItem is immutable once the order exists; UnitPriceCents is the
// catalog price at the time the order was placed.
type OrderItem struct {
	VariantID      string `json:"variant_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Order struct {
	ID            string
	Number        string
	UserID        *string
	CustomerEmail string
	Currency      string
	TotalCents    int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	AccessToken   string
	Items         []OrderItem
	RemoteOrderID string
	// StockCommitted is true while the order holds decremented stock.
	StockCommitted bool
	NeedsReview    bool
	ReviewReason   string
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var (
	ErrEmptyOrder    = errors.New("order: at least one item is required")
	ErrInvalidItem   = errors.New("order: item needs a variant, a positive quantity and a non-negative price")
	ErrInvalidEmail  = errors.New("order: customer email is required")
	ErrMissingNumber = errors.New("order: id and number are required")
)

// NewOrder builds a DRAFT order. Repeated variants are merged; their unit
// prices must agree.
func NewOrder(id, number, email, currency string, userID *string, items []OrderItem, now time.Time) (Order, error) {
	if id == "" || number == "" {
		return Order{}, ErrMissingNumber
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return Order{}, ErrInvalidEmail
	}
	if len(items) == 0 {
		return Order{}, ErrEmptyOrder
	}

	merged := make([]OrderItem, 0, len(items))
	index := make(map[string]int, len(items))
	var total int64
	for _, it := range items {
		if it.VariantID == "" || it.Quantity <= 0 || it.Quantity > inventory.MaxLineQuantity || it.UnitPriceCents < 0 {
			return Order{}, fmt.Errorf("%w: %+v", ErrInvalidItem, it)
		}
		if i, ok := index[it.VariantID]; ok {
			if merged[i].UnitPriceCents != it.UnitPriceCents {
				return Order{}, fmt.Errorf("%w: conflicting prices for %s", ErrInvalidItem, it.VariantID)
			}
			if merged[i].Quantity+it.Quantity > inventory.MaxLineQuantity {
				return Order{}, fmt.Errorf("%w: %s exceeds %d units", ErrInvalidItem, it.VariantID, inventory.MaxLineQuantity)
			}
			merged[i].Quantity += it.Quantity
		} else {
			index[it.VariantID] = len(merged)
			merged = append(merged, it)
		}
		qty := int64(it.Quantity)
		if it.UnitPriceCents > (math.MaxInt64-total)/qty {
			return Order{}, fmt.Errorf("%w: total overflows at %s", ErrInvalidItem, it.VariantID)
		}
		total += qty * it.UnitPriceCents
	}

	now = now.UTC()
	return Order{
		ID:            id,
		Number:        number,
		UserID:        userID,
		CustomerEmail: email,
		Currency:      strings.ToUpper(currency),
		TotalCents:    total,
		Status:        StatusDraft,
		PaymentStatus: PaymentNotPaid,
		Items:         merged,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (o Order) IsGuest() bool {
	return o.UserID == nil
}

// StockLines is the inventory footprint of the order.
func (o Order) StockLines() []inventory.Line {
	lines := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, inventory.Line{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return lines
}

// Flag marks the order for manual review without touching its status.
func (o *Order) Flag(reason string) {
	o.NeedsReview = true
	if o.ReviewReason == "" {
		o.ReviewReason = reason
		return
	}
	o.ReviewReason += "; " + reason
}

// Projection is everything a guest holding the access token may see.
type Projection struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"orderNumber"`
	CustomerEmail string `json:"customerEmail"`
}

func (o Order) Project() Projection {
	return Projection{ID: o.ID, OrderNumber: o.Number, CustomerEmail: o.CustomerEmail}
}

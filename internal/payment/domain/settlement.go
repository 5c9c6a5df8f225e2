package domain

import "time"

// SettlementOutcome is what applying a verified event did to the order.
type SettlementOutcome string

const (
	SettlementApplied           SettlementOutcome = "APPLIED"
	SettlementDuplicate         SettlementOutcome = "DUPLICATE"
	SettlementAmountMismatch    SettlementOutcome = "AMOUNT_MISMATCH"
	SettlementInsufficientStock SettlementOutcome = "INSUFFICIENT_STOCK"
	SettlementPaymentFailed     SettlementOutcome = "PAYMENT_FAILED"
	SettlementConflict          SettlementOutcome = "CONFLICT"
	SettlementOrderMismatch     SettlementOutcome = "ORDER_MISMATCH"
	SettlementIgnored           SettlementOutcome = "IGNORED"
	SettlementUnknownOrder      SettlementOutcome = "UNKNOWN_ORDER"
)

type Settlement struct {
	OrderID     string
	Outcome     SettlementOutcome
	OrderStatus string
	Detail      string
}

// DeliveryOutcome is the audit verdict for one inbound notification.
type DeliveryOutcome string

const (
	DeliveryReceived  DeliveryOutcome = "RECEIVED"
	DeliveryMalformed DeliveryOutcome = "MALFORMED"
	DeliveryRejected  DeliveryOutcome = "REJECTED"
	DeliveryProcessed DeliveryOutcome = "PROCESSED"
	DeliveryFailed    DeliveryOutcome = "FAILED"
)

// Delivery is the durable audit record of a raw webhook payload.
type Delivery struct {
	ID              int64
	ReceivedAt      time.Time
	Signature       string
	Payload         []byte
	Outcome         DeliveryOutcome
	TransactionID   string
	MerchantOrderID string
	Detail          string
	ResolvedAt      *time.Time
}

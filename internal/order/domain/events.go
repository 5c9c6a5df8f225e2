package domain

const (
	EventOrderPendingPayment = "OrderPendingPayment"
	EventOrderConfirmed      = "OrderConfirmed"
	EventOrderFlagged        = "OrderFlagged"
	EventOrderCanceled       = "OrderCanceled"
	EventOrderRefunded       = "OrderRefunded"
	EventOrderShipped        = "OrderShipped"
	EventOrderDelivered      = "OrderDelivered"
	EventOrderClaimed        = "OrderClaimed"
)

type OrderPendingPayment struct {
	OrderID       string
	RemoteOrderID string
	TotalCents    int64
}

type OrderConfirmed struct {
	OrderID       string
	OrderNumber   string
	CustomerEmail string
	Guest         bool
	TransactionID string
	TotalCents    int64
	Items         []OrderItem
}

type OrderFlagged struct {
	OrderID       string
	TransactionID string
	Reason        string
}

type OrderCanceled struct {
	OrderID        string
	StockRestored  bool
	RefundRequired bool
}

type OrderRefunded struct {
	OrderID    string
	TotalCents int64
}

type OrderStatusChanged struct {
	OrderID string
	Status  OrderStatus
}

type OrderClaimed struct {
	OrderID string
	UserID  string
}

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

	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
	paymentdomain "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
	"github.com/dmehra2102/storefront-checkout/pkg/tracing"
)

var (
	ErrUnknownVariant = errors.New("order: unknown variant")
	ErrMixedCurrency  = errors.New("order: variants are priced in different currencies")
	ErrAlreadyPaid    = errors.New("order: payment already settled")
)

type Service struct {
	log     *slog.Logger
	store   Store
	catalog Catalog
	gateway PaymentGateway
	tokens  TokenIssuer
	ledger  *inventoryapp.Ledger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

// WithTimeout bounds every store and gateway operation.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(log *slog.Logger, store Store, catalog Catalog, gateway PaymentGateway, tokens TokenIssuer, ledger *inventoryapp.Ledger, opts ...Option) *Service {
	s := &Service{
		log:     log,
		store:   store,
		catalog: catalog,
		gateway: gateway,
		tokens:  tokens,
		ledger:  ledger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type PlaceOrderRequest struct {
	CustomerEmail string
	UserID        *string
	Lines         []inventory.Line
}

// PlaceOrder snapshots catalog prices and persists a DRAFT order with a fresh
// access token.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	lines, err := inventory.Consolidate(req.Lines)
	if err != nil {
		return domain.Order{}, err
	}
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.VariantID)
	}
	variants, err := s.catalog.Variants(ctx, ids)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load variants: %w", err)
	}

	var currency string
	items := make([]domain.OrderItem, 0, len(lines))
	for _, l := range lines {
		v, ok := variants[l.VariantID]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrUnknownVariant, l.VariantID)
		}
		if currency == "" {
			currency = v.Currency
		} else if !strings.EqualFold(currency, v.Currency) {
			return domain.Order{}, ErrMixedCurrency
		}
		items = append(items, domain.OrderItem{VariantID: v.ID, Quantity: l.Quantity, UnitPriceCents: v.PriceCents})
	}

	token, err := s.tokens.Issue()
	if err != nil {
		return domain.Order{}, fmt.Errorf("issue access token: %w", err)
	}

	var o domain.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		number, err := tx.NextOrderNumber(ctx)
		if err != nil {
			return err
		}
		o, err = domain.NewOrder(uuid.NewString(), number, req.CustomerEmail, currency, req.UserID, items, s.now())
		if err != nil {
			return err
		}
		o.AccessToken = token
		return tx.Insert(ctx, o)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log.Info("order placed", "order_id", o.ID, "order_number", o.Number, "total_cents", o.TotalCents, "guest", o.IsGuest())
	return o, nil
}

// InitiatePayment runs the gateway handshake for a DRAFT order, or re-issues a
// handle for one already awaiting payment. The order only moves to
// PENDING_PAYMENT once the gateway has issued a payment key.
func (s *Service) InitiatePayment(ctx context.Context, orderID string, billing paymentdomain.BillingInfo) (paymentdomain.PaymentHandle, error) {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	o, err := s.store.Get(gctx, orderID)
	if err != nil {
		return paymentdomain.PaymentHandle{}, err
	}
	if err := payable(o); err != nil {
		return paymentdomain.PaymentHandle{}, err
	}

	req := paymentdomain.PaymentRequest{
		MerchantOrderID: o.ID,
		RemoteOrderID:   o.RemoteOrderID,
		AmountCents:     o.TotalCents,
		Currency:        o.Currency,
		Items:           lineItems(o.Items),
		Billing:         billing,
	}
	if strings.TrimSpace(req.Billing.Email) == "" {
		req.Billing.Email = o.CustomerEmail
	}

	handle, err := s.gateway.InitiatePayment(gctx, req)

	// The handshake can use up the deadline; what it learned from the gateway
	// is still persisted.
	ctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer pcancel()
	if err != nil {
		var gerr *paymentdomain.GatewayError
		if errors.As(err, &gerr) && gerr.RemoteOrderID != "" && o.RemoteOrderID == "" {
			if perr := s.rememberRemoteOrder(ctx, o.ID, gerr.RemoteOrderID); perr != nil {
				s.log.Warn("remote order id not persisted", "order_id", o.ID, "err", perr)
			}
		}
		return paymentdomain.PaymentHandle{}, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := payable(o); err != nil {
			return err
		}
		o.RemoteOrderID = handle.RemoteOrderID
		o.UpdatedAt = s.now().UTC()
		if o.Status == domain.StatusPendingPayment {
			return tx.Update(ctx, o)
		}

		next, err := domain.Transition(o, domain.StatusPendingPayment, domain.Cause{Kind: domain.CauseSystem})
		if err != nil {
			return err
		}
		o.Status = next
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, tx, o.ID, domain.EventOrderPendingPayment, domain.OrderPendingPayment{
			OrderID:       o.ID,
			RemoteOrderID: o.RemoteOrderID,
			TotalCents:    o.TotalCents,
		})
	})
	if err != nil {
		return paymentdomain.PaymentHandle{}, err
	}
	s.log.Info("payment initiated", "order_id", orderID, "remote_order_id", handle.RemoteOrderID)
	return handle, nil
}

func payable(o domain.Order) error {
	if o.Status != domain.StatusDraft && o.Status != domain.StatusPendingPayment {
		return &domain.TransitionError{From: o.Status, To: domain.StatusPendingPayment, Cause: domain.CauseSystem}
	}
	if o.PaymentStatus.Settled() {
		return ErrAlreadyPaid
	}
	return nil
}

func (s *Service) rememberRemoteOrder(ctx context.Context, orderID, remoteID string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.RemoteOrderID != "" {
			return nil
		}
		o.RemoteOrderID = remoteID
		o.UpdatedAt = s.now().UTC()
		return tx.Update(ctx, o)
	})
}

func lineItems(items []domain.OrderItem) []paymentdomain.LineItem {
	out := make([]paymentdomain.LineItem, 0, len(items))
	for _, it := range items {
		out = append(out, paymentdomain.LineItem{
			Name:        it.VariantID,
			AmountCents: it.UnitPriceCents,
			Quantity:    it.Quantity,
		})
	}
	return out
}

// ApplyPaymentEvent settles a verified gateway event against its order in one
// transaction. Re-delivery of an applied transaction id is a no-op.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev paymentdomain.VerifiedEvent) (paymentdomain.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var st paymentdomain.Settlement
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, ev.MerchantOrderID)
		if errors.Is(err, ErrNotFound) {
			st = paymentdomain.Settlement{Outcome: paymentdomain.SettlementUnknownOrder}
			return nil
		}
		if err != nil {
			return err
		}

		applied, err := tx.TransactionApplied(ctx, o.ID, ev.TransactionID)
		if err != nil {
			return err
		}
		if applied {
			st = paymentdomain.Settlement{OrderID: o.ID, Outcome: paymentdomain.SettlementDuplicate, OrderStatus: string(o.Status)}
			return nil
		}

		st, err = s.settle(ctx, tx, o, ev)
		if err != nil {
			return err
		}
		return tx.RecordTransaction(ctx, AppliedTransaction{
			OrderID:       o.ID,
			TransactionID: ev.TransactionID,
			Outcome:       st.Outcome,
			AmountCents:   ev.AmountCents,
			AppliedAt:     s.now().UTC(),
		})
	})
	if err != nil {
		return paymentdomain.Settlement{}, err
	}

	attrs := []any{"order_id", st.OrderID, "transaction_id", ev.TransactionID, "outcome", st.Outcome}
	switch st.Outcome {
	case paymentdomain.SettlementApplied, paymentdomain.SettlementDuplicate, paymentdomain.SettlementIgnored,
		paymentdomain.SettlementPaymentFailed:
		s.log.Info("payment event settled", attrs...)
	default:
		s.log.Warn("payment event needs attention", append(attrs, "detail", st.Detail)...)
	}
	return st, nil
}

func (s *Service) settle(ctx context.Context, tx Tx, o domain.Order, ev paymentdomain.VerifiedEvent) (paymentdomain.Settlement, error) {
	result := func(outcome paymentdomain.SettlementOutcome, detail string) paymentdomain.Settlement {
		return paymentdomain.Settlement{OrderID: o.ID, Outcome: outcome, OrderStatus: string(o.Status), Detail: detail}
	}
	now := s.now().UTC()

	// merchant_order_id is outside the signed fields; the gateway's own order
	// id is signed and must be the one this order registered.
	if ev.RemoteOrderID != o.RemoteOrderID {
		reason := fmt.Sprintf("transaction %s is for gateway order %q, order registered %q",
			ev.TransactionID, ev.RemoteOrderID, o.RemoteOrderID)
		if !ev.Outcome.Successful() {
			return result(paymentdomain.SettlementIgnored, reason), nil
		}
		return result(paymentdomain.SettlementOrderMismatch, reason), s.flag(ctx, tx, &o, ev.TransactionID, reason, now)
	}

	if !ev.Outcome.Successful() {
		if o.PaidAt != nil && ev.OccurredAt.Before(*o.PaidAt) {
			return result(paymentdomain.SettlementIgnored, "event predates settled payment"), nil
		}
		if ev.Outcome != paymentdomain.OutcomeDeclined && ev.Outcome != paymentdomain.OutcomeVoided {
			return result(paymentdomain.SettlementIgnored, "outcome "+string(ev.Outcome)), nil
		}
		if o.Status != domain.StatusPendingPayment || o.PaymentStatus.Settled() {
			return result(paymentdomain.SettlementIgnored, "order not awaiting payment"), nil
		}
		o.PaymentStatus = domain.PaymentFailed
		o.UpdatedAt = now
		if err := tx.Update(ctx, o); err != nil {
			return paymentdomain.Settlement{}, err
		}
		return result(paymentdomain.SettlementPaymentFailed, ""), nil
	}

	var (
		outcome paymentdomain.SettlementOutcome
		reason  string
	)
	switch {
	case o.PaymentStatus.Settled():
		outcome = paymentdomain.SettlementConflict
		reason = fmt.Sprintf("second successful transaction %s on a paid order", ev.TransactionID)
	case o.Status != domain.StatusPendingPayment:
		outcome = paymentdomain.SettlementConflict
		reason = fmt.Sprintf("successful transaction %s on %s order", ev.TransactionID, o.Status)
	case ev.AmountCents != o.TotalCents || !strings.EqualFold(ev.Currency, o.Currency):
		outcome = paymentdomain.SettlementAmountMismatch
		reason = fmt.Sprintf("paid %d %s, expected %d %s", ev.AmountCents, ev.Currency, o.TotalCents, o.Currency)
	}
	if outcome != "" {
		return result(outcome, reason), s.flag(ctx, tx, &o, ev.TransactionID, reason, now)
	}

	paidAt := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		paidAt = now
	}
	o.PaymentStatus = paymentStatus(ev.Outcome)
	o.PaidAt = &paidAt

	err := s.ledger.Decrement(ctx, tx.Stock(), o.StockLines())
	var stockErr *inventory.InsufficientStockError
	if errors.As(err, &stockErr) {
		reason = stockErr.Error()
		return result(paymentdomain.SettlementInsufficientStock, reason), s.flag(ctx, tx, &o, ev.TransactionID, reason, now)
	}
	if err != nil {
		return paymentdomain.Settlement{}, err
	}

	next, err := domain.Transition(o, domain.StatusConfirmed, domain.Cause{Kind: domain.CauseGateway, TransactionID: ev.TransactionID})
	if err != nil {
		return paymentdomain.Settlement{}, err
	}
	o.Status = next
	o.StockCommitted = true
	o.UpdatedAt = now
	if err := tx.Update(ctx, o); err != nil {
		return paymentdomain.Settlement{}, err
	}
	err = s.emit(ctx, tx, o.ID, domain.EventOrderConfirmed, domain.OrderConfirmed{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		CustomerEmail: o.CustomerEmail,
		Guest:         o.IsGuest(),
		TransactionID: ev.TransactionID,
		TotalCents:    o.TotalCents,
		Items:         o.Items,
	})
	if err != nil {
		return paymentdomain.Settlement{}, err
	}
	return result(paymentdomain.SettlementApplied, ""), nil
}

func paymentStatus(o paymentdomain.Outcome) domain.PaymentStatus {
	if o == paymentdomain.OutcomeAuthorized {
		return domain.PaymentAuthorized
	}
	return domain.PaymentCaptured
}

func (s *Service) flag(ctx context.Context, tx Tx, o *domain.Order, transactionID, reason string, now time.Time) error {
	o.Flag(reason)
	o.UpdatedAt = now
	if err := tx.Update(ctx, *o); err != nil {
		return err
	}
	return s.emit(ctx, tx, o.ID, domain.EventOrderFlagged, domain.OrderFlagged{
		OrderID:       o.ID,
		TransactionID: transactionID,
		Reason:        reason,
	})
}

// Cancel moves a PENDING_PAYMENT or CONFIRMED order to CANCELED and puts back
// any stock it holds.
func (s *Service) Cancel(ctx context.Context, id string, cause domain.Cause) (domain.Order, error) {
	return s.transition(ctx, id, domain.StatusCanceled, cause, func(ctx context.Context, tx Tx, o *domain.Order) (string, any, error) {
		restored, err := s.release(ctx, tx, o)
		if err != nil {
			return "", nil, err
		}
		return domain.EventOrderCanceled, domain.OrderCanceled{
			OrderID:        o.ID,
			StockRestored:  restored,
			RefundRequired: o.PaymentStatus.Settled(),
		}, nil
	})
}

// Refund marks a CONFIRMED order refunded and restores its stock. The money
// movement itself happens at the gateway.
func (s *Service) Refund(ctx context.Context, id string, cause domain.Cause) (domain.Order, error) {
	return s.transition(ctx, id, domain.StatusRefunded, cause, func(ctx context.Context, tx Tx, o *domain.Order) (string, any, error) {
		if _, err := s.release(ctx, tx, o); err != nil {
			return "", nil, err
		}
		o.PaymentStatus = domain.PaymentRefunded
		return domain.EventOrderRefunded, domain.OrderRefunded{OrderID: o.ID, TotalCents: o.TotalCents}, nil
	})
}

func (s *Service) Ship(ctx context.Context, id string, cause domain.Cause) (domain.Order, error) {
	return s.transition(ctx, id, domain.StatusShipped, cause, func(_ context.Context, _ Tx, o *domain.Order) (string, any, error) {
		return domain.EventOrderShipped, domain.OrderStatusChanged{OrderID: o.ID, Status: domain.StatusShipped}, nil
	})
}

func (s *Service) Deliver(ctx context.Context, id string, cause domain.Cause) (domain.Order, error) {
	return s.transition(ctx, id, domain.StatusDelivered, cause, func(_ context.Context, _ Tx, o *domain.Order) (string, any, error) {
		return domain.EventOrderDelivered, domain.OrderStatusChanged{OrderID: o.ID, Status: domain.StatusDelivered}, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Get(ctx, id)
}

type effectFunc func(ctx context.Context, tx Tx, o *domain.Order) (eventType string, payload any, err error)

func (s *Service) transition(ctx context.Context, id string, to domain.OrderStatus, cause domain.Cause, effect effectFunc) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var o domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		next, err := domain.Transition(o, to, cause)
		if err != nil {
			return err
		}
		eventType, payload, err := effect(ctx, tx, &o)
		if err != nil {
			return err
		}
		o.Status = next
		o.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, tx, o.ID, eventType, payload)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log.Info("order transitioned", "order_id", o.ID, "status", o.Status, "cause", cause.Kind, "actor", cause.Actor)
	return o, nil
}

// release restores stock the order holds and reports whether it held any.
func (s *Service) release(ctx context.Context, tx Tx, o *domain.Order) (bool, error) {
	if !o.StockCommitted {
		return false, nil
	}
	if err := s.ledger.Restore(ctx, tx.Stock(), o.StockLines()); err != nil {
		return false, err
	}
	o.StockCommitted = false
	return true, nil
}

func (s *Service) emit(ctx context.Context, tx Tx, orderID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return tx.AppendOutbox(ctx, outbox.Event{
		AggregateType: "order",
		AggregateID:   orderID,
		Type:          eventType,
		Payload:       data,
		Traceparent:   tracing.Traceparent(ctx),
		CreatedAt:     s.now().UTC(),
		Status:        outbox.StatusPending,
	})
}

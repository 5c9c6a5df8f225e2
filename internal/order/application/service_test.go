package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	"github.com/dmehra2102/storefront-checkout/internal/order/application"
	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
	payment "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	"github.com/dmehra2102/storefront-checkout/internal/store/memory"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) InitiatePayment(ctx context.Context, req payment.PaymentRequest) (payment.PaymentHandle, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payment.PaymentHandle), args.Error(1)
}

type fixture struct {
	store   *memory.Store
	gateway *mockGateway
	svc     *application.Service
	now     time.Time
}

func newFixture(t *testing.T, variants ...inventory.Variant) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:   memory.New(),
		gateway: &mockGateway{},
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.store.PutVariants(variants...)
	f.svc = application.NewService(log, f.store.Orders(), f.store, f.gateway,
		access.NewGuard(log, f.store.Orders()), inventoryapp.NewLedger(log),
		application.WithClock(func() time.Time { return f.now }))
	return f
}

var billing = payment.BillingInfo{FirstName: "Mona", LastName: "Adel", Email: "mona@example.com", PhoneNumber: "+20100"}

// pendingOrder places an order for qty of V1 at 2500 and moves it to PENDING_PAYMENT.
func (f *fixture) pendingOrder(t *testing.T, qty int) domain.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.svc.PlaceOrder(ctx, application.PlaceOrderRequest{
		CustomerEmail: "mona@example.com",
		Lines:         []inventory.Line{{VariantID: "V1", Quantity: qty}},
	})
	require.NoError(t, err)

	f.gateway.On("InitiatePayment", mock.Anything, mock.MatchedBy(func(r payment.PaymentRequest) bool {
		return r.MerchantOrderID == o.ID
	})).Return(payment.PaymentHandle{RemoteOrderID: "remote-" + o.Number, PaymentToken: "pk", RedirectURL: "https://pay/x"}, nil).Once()

	_, err = f.svc.InitiatePayment(ctx, o.ID, billing)
	require.NoError(t, err)

	o, err = f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingPayment, o.Status)
	return o
}

func (f *fixture) event(o domain.Order, txn string, amount int64, outcome payment.Outcome) payment.VerifiedEvent {
	return payment.VerifiedEvent{
		TransactionID:   txn,
		MerchantOrderID: o.ID,
		RemoteOrderID:   o.RemoteOrderID,
		AmountCents:     amount,
		Currency:        "EGP",
		Outcome:         outcome,
		OccurredAt:      f.now,
	}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	levels, err := f.store.StockLevels(context.Background(), []string{id})
	require.NoError(t, err)
	return levels[id]
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, ev := range f.store.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func v1(stock int) inventory.Variant {
	return inventory.Variant{ID: "V1", SKU: "SKU-1", PriceCents: 2500, Currency: "EGP", Stock: stock}
}

func TestPlaceOrderSnapshotsPrices(t *testing.T) {
	f := newFixture(t, v1(5), inventory.Variant{ID: "V2", PriceCents: 700, Currency: "egp", Stock: 1})
	ctx := context.Background()

	o, err := f.svc.PlaceOrder(ctx, application.PlaceOrderRequest{
		CustomerEmail: "mona@example.com",
		Lines: []inventory.Line{
			{VariantID: "V1", Quantity: 1},
			{VariantID: "V2", Quantity: 2},
			{VariantID: "V1", Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "ORD-1001", o.Number)
	assert.Equal(t, domain.StatusDraft, o.Status)
	assert.Equal(t, domain.PaymentNotPaid, o.PaymentStatus)
	assert.Equal(t, int64(6400), o.TotalCents)
	assert.Equal(t, "EGP", o.Currency)
	assert.True(t, o.IsGuest())
	assert.NotEmpty(t, o.AccessToken)

	f.store.PutVariants(inventory.Variant{ID: "V1", PriceCents: 9999, Currency: "EGP", Stock: 5})
	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), stored.Items[0].UnitPriceCents)
}

func TestPlaceOrderRejects(t *testing.T) {
	f := newFixture(t, v1(5), inventory.Variant{ID: "USD1", PriceCents: 100, Currency: "USD", Stock: 1})

	tests := []struct {
		name  string
		req   application.PlaceOrderRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "unknown variant",
			req:   application.PlaceOrderRequest{CustomerEmail: "a@b.c", Lines: []inventory.Line{{VariantID: "nope", Quantity: 1}}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, application.ErrUnknownVariant) },
		},
		{
			name: "mixed currencies",
			req: application.PlaceOrderRequest{CustomerEmail: "a@b.c", Lines: []inventory.Line{
				{VariantID: "V1", Quantity: 1}, {VariantID: "USD1", Quantity: 1},
			}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, application.ErrMixedCurrency) },
		},
		{
			name:  "bad quantity",
			req:   application.PlaceOrderRequest{CustomerEmail: "a@b.c", Lines: []inventory.Line{{VariantID: "V1", Quantity: -1}}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, inventory.ErrInvalidLine) },
		},
		{
			name: "quantity too large",
			req: application.PlaceOrderRequest{CustomerEmail: "a@b.c", Lines: []inventory.Line{
				{VariantID: "V1", Quantity: inventory.MaxLineQuantity}, {VariantID: "V1", Quantity: math.MaxInt},
			}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, inventory.ErrInvalidLine) },
		},
		{
			name:  "missing email",
			req:   application.PlaceOrderRequest{Lines: []inventory.Line{{VariantID: "V1", Quantity: 1}}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrInvalidEmail) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tt.req)
			tt.check(t, err)
		})
	}
}

func TestInitiatePaymentGatewayFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, v1(5))
	ctx := context.Background()
	o, err := f.svc.PlaceOrder(ctx, application.PlaceOrderRequest{
		CustomerEmail: "mona@example.com",
		Lines:         []inventory.Line{{VariantID: "V1", Quantity: 1}},
	})
	require.NoError(t, err)

	keyErr := &payment.GatewayError{Step: payment.StepPaymentKey, StatusCode: 500, RemoteOrderID: "r-77", Err: errors.New("boom")}
	f.gateway.On("InitiatePayment", mock.Anything, mock.MatchedBy(func(r payment.PaymentRequest) bool {
		return r.RemoteOrderID == ""
	})).Return(payment.PaymentHandle{}, keyErr).Once()

	_, err = f.svc.InitiatePayment(ctx, o.ID, billing)
	require.ErrorIs(t, err, payment.ErrGatewayKey)

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)
	assert.Equal(t, "r-77", stored.RemoteOrderID)
	assert.Empty(t, f.store.Events())

	f.gateway.On("InitiatePayment", mock.Anything, mock.MatchedBy(func(r payment.PaymentRequest) bool {
		return r.RemoteOrderID == "r-77" && r.AmountCents == 2500
	})).Return(payment.PaymentHandle{RemoteOrderID: "r-77", PaymentToken: "pk"}, nil).Once()

	_, err = f.svc.InitiatePayment(ctx, o.ID, billing)
	require.NoError(t, err)
	stored, _ = f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)
	assert.Equal(t, []string{domain.EventOrderPendingPayment}, f.eventTypes())
	f.gateway.AssertExpectations(t)
}

func TestInitiatePaymentPersistsAfterCallerDeadline(t *testing.T) {
	f := newFixture(t, v1(5))
	o, err := f.svc.PlaceOrder(context.Background(), application.PlaceOrderRequest{
		CustomerEmail: "mona@example.com",
		Lines:         []inventory.Line{{VariantID: "V1", Quantity: 1}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	keyErr := &payment.GatewayError{Step: payment.StepPaymentKey, RemoteOrderID: "r-88", Err: context.DeadlineExceeded}
	f.gateway.On("InitiatePayment", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(payment.PaymentHandle{}, keyErr).Once()

	_, err = f.svc.InitiatePayment(ctx, o.ID, billing)
	require.ErrorIs(t, err, payment.ErrGatewayKey)
	stored, err := f.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-88", stored.RemoteOrderID)
	assert.Equal(t, domain.StatusDraft, stored.Status)

	ctx, cancel = context.WithCancel(context.Background())
	f.gateway.On("InitiatePayment", mock.Anything, mock.MatchedBy(func(r payment.PaymentRequest) bool {
		return r.RemoteOrderID == "r-88"
	})).Run(func(mock.Arguments) { cancel() }).
		Return(payment.PaymentHandle{RemoteOrderID: "r-88", PaymentToken: "pk"}, nil).Once()

	_, err = f.svc.InitiatePayment(ctx, o.ID, billing)
	require.NoError(t, err)
	stored, _ = f.svc.Get(context.Background(), o.ID)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)
	f.gateway.AssertExpectations(t)
}

func TestInitiatePaymentRejectedAfterConfirmation(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	_, err := f.svc.ApplyPaymentEvent(context.Background(), f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)

	_, err = f.svc.InitiatePayment(context.Background(), o.ID, billing)
	assert.ErrorIs(t, err, domain.ErrIllegalEdge)
}

func TestSettlementAppliesOnceUnderRedelivery(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()
	ev := f.event(o, "T1", 5000, payment.OutcomeCaptured)

	st, err := f.svc.ApplyPaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementApplied, st.Outcome)
	assert.Equal(t, 3, f.stock(t, "V1"))

	confirmed, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	assert.Equal(t, domain.PaymentCaptured, confirmed.PaymentStatus)
	assert.True(t, confirmed.StockCommitted)

	st, err = f.svc.ApplyPaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementDuplicate, st.Outcome)
	assert.Equal(t, 3, f.stock(t, "V1"))

	again, _ := f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusConfirmed, again.Status)
	assert.Equal(t, []string{domain.EventOrderPendingPayment, domain.EventOrderConfirmed}, f.eventTypes())

	var payload domain.OrderConfirmed
	require.NoError(t, json.Unmarshal(f.store.Events()[1].Payload, &payload))
	assert.Equal(t, "T1", payload.TransactionID)
	assert.True(t, payload.Guest)
}

func TestSettlementConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ev := f.event(o, "T1", 5000, payment.OutcomeCaptured)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[payment.SettlementOutcome]int{}
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.svc.ApplyPaymentEvent(context.Background(), ev)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[st.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[payment.SettlementApplied])
	assert.Equal(t, 9, outcomes[payment.SettlementDuplicate])
	assert.Equal(t, 3, f.stock(t, "V1"))
}

func TestSettlementAmountMismatch(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()

	st, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 4000, payment.OutcomeCaptured))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementAmountMismatch, st.Outcome)

	stored, _ := f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)
	assert.Equal(t, domain.PaymentNotPaid, stored.PaymentStatus)
	assert.True(t, stored.NeedsReview)
	assert.Equal(t, 5, f.stock(t, "V1"))
	assert.Contains(t, f.eventTypes(), domain.EventOrderFlagged)
}

func TestSettlementCurrencyMismatch(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ev := f.event(o, "T1", 5000, payment.OutcomeCaptured)
	ev.Currency = "USD"

	st, err := f.svc.ApplyPaymentEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementAmountMismatch, st.Outcome)
	assert.Equal(t, 5, f.stock(t, "V1"))
}

func TestSettlementInsufficientStock(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()
	f.store.PutVariants(v1(1))

	st, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementInsufficientStock, st.Outcome)
	assert.Contains(t, st.Detail, "V1")
	assert.Equal(t, 1, f.stock(t, "V1"))

	stored, _ := f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)
	assert.Equal(t, domain.PaymentCaptured, stored.PaymentStatus)
	assert.False(t, stored.StockCommitted)
	assert.True(t, stored.NeedsReview)

	st, err = f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementDuplicate, st.Outcome)
}

func TestSettlementSecondSuccessfulTransactionConflicts(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()

	_, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)

	st, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T2", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementConflict, st.Outcome)
	assert.Equal(t, 3, f.stock(t, "V1"))

	stored, _ := f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
	assert.True(t, stored.NeedsReview)
}

func TestSettlementDeclinedAndLateEvents(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()

	st, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T0", 5000, payment.OutcomeDeclined))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementPaymentFailed, st.Outcome)
	stored, _ := f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)

	f.now = f.now.Add(time.Minute)
	st, err = f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	require.Equal(t, payment.SettlementApplied, st.Outcome)

	late := f.event(o, "T-late", 5000, payment.OutcomeDeclined)
	late.OccurredAt = f.now.Add(-time.Hour)
	st, err = f.svc.ApplyPaymentEvent(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementIgnored, st.Outcome)

	stored, _ = f.svc.Get(ctx, o.ID)
	assert.Equal(t, domain.PaymentCaptured, stored.PaymentStatus)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
}

func TestSettlementRejectsEventForAnotherGatewayOrder(t *testing.T) {
	f := newFixture(t, v1(10))
	ctx := context.Background()
	paidFor := f.pendingOrder(t, 2)
	target := f.pendingOrder(t, 2)
	require.NotEqual(t, paidFor.RemoteOrderID, target.RemoteOrderID)

	// Signed fields belong to paidFor; only the unsigned merchant id points at target.
	forged := f.event(paidFor, "T1", 5000, payment.OutcomeCaptured)
	forged.MerchantOrderID = target.ID

	st, err := f.svc.ApplyPaymentEvent(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementOrderMismatch, st.Outcome)
	assert.Equal(t, 10, f.stock(t, "V1"))

	stored, _ := f.svc.Get(ctx, target.ID)
	assert.Equal(t, domain.StatusPendingPayment, stored.Status)
	assert.Equal(t, domain.PaymentNotPaid, stored.PaymentStatus)
	assert.True(t, stored.NeedsReview)

	declined := f.event(paidFor, "T2", 5000, payment.OutcomeDeclined)
	declined.MerchantOrderID = target.ID
	st, err = f.svc.ApplyPaymentEvent(ctx, declined)
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementIgnored, st.Outcome)
	stored, _ = f.svc.Get(ctx, target.ID)
	assert.Equal(t, domain.PaymentNotPaid, stored.PaymentStatus)

	// The genuine delivery of the same transaction still settles its own order.
	st, err = f.svc.ApplyPaymentEvent(ctx, f.event(paidFor, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementApplied, st.Outcome)
	assert.Equal(t, 8, f.stock(t, "V1"))
}

func TestSettlementUnknownOrder(t *testing.T) {
	f := newFixture(t, v1(5))
	st, err := f.svc.ApplyPaymentEvent(context.Background(), payment.VerifiedEvent{
		TransactionID: "T1", MerchantOrderID: "missing", AmountCents: 1, Outcome: payment.OutcomeCaptured,
	})
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementUnknownOrder, st.Outcome)
}

func TestCancelRestoresCommittedStock(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)
	ctx := context.Background()
	_, err := f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)
	require.Equal(t, 3, f.stock(t, "V1"))

	canceled, err := f.svc.Cancel(ctx, o.ID, domain.Cause{Kind: domain.CauseCustomer})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)
	assert.False(t, canceled.StockCommitted)
	assert.Equal(t, 5, f.stock(t, "V1"))

	events := f.store.Events()
	var payload domain.OrderCanceled
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &payload))
	assert.True(t, payload.StockRestored)
	assert.True(t, payload.RefundRequired)

	_, err = f.svc.Cancel(ctx, o.ID, domain.Cause{Kind: domain.CauseAdmin})
	assert.ErrorIs(t, err, domain.ErrIllegalEdge)
	assert.Equal(t, 5, f.stock(t, "V1"))
}

func TestCancelPendingDoesNotTouchStock(t *testing.T) {
	f := newFixture(t, v1(5))
	o := f.pendingOrder(t, 2)

	_, err := f.svc.Cancel(context.Background(), o.ID, domain.Cause{Kind: domain.CauseAdmin})
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock(t, "V1"))
}

func TestFulfilmentAndRefund(t *testing.T) {
	f := newFixture(t, v1(5))
	ctx := context.Background()
	admin := domain.Cause{Kind: domain.CauseAdmin, Actor: "ops"}

	o := f.pendingOrder(t, 2)
	_, err := f.svc.Ship(ctx, o.ID, admin)
	require.ErrorIs(t, err, domain.ErrIllegalEdge, "unpaid orders do not ship")

	_, err = f.svc.ApplyPaymentEvent(ctx, f.event(o, "T1", 5000, payment.OutcomeCaptured))
	require.NoError(t, err)

	_, err = f.svc.Ship(ctx, o.ID, domain.Cause{Kind: domain.CauseCustomer})
	require.ErrorIs(t, err, domain.ErrIllegalEdge)

	shipped, err := f.svc.Ship(ctx, o.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, shipped.Status)

	_, err = f.svc.Refund(ctx, o.ID, admin)
	require.ErrorIs(t, err, domain.ErrIllegalEdge)

	delivered, err := f.svc.Deliver(ctx, o.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, delivered.Status)
	assert.Equal(t, 3, f.stock(t, "V1"))

	o2 := f.pendingOrder(t, 1)
	_, err = f.svc.ApplyPaymentEvent(ctx, f.event(o2, "T9", 2500, payment.OutcomeAuthorized))
	require.NoError(t, err)
	require.Equal(t, 2, f.stock(t, "V1"))

	refunded, err := f.svc.Refund(ctx, o2.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	assert.Equal(t, domain.PaymentRefunded, refunded.PaymentStatus)
	assert.Equal(t, 3, f.stock(t, "V1"))
}

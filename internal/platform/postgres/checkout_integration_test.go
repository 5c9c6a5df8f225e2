//go:build integration

package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	guestapp "github.com/dmehra2102/storefront-checkout/internal/guest/application"
	guest "github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	guestpg "github.com/dmehra2102/storefront-checkout/internal/guest/infrastructure/postgres"
	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	inventorypg "github.com/dmehra2102/storefront-checkout/internal/inventory/infrastructure/postgres"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	orderpg "github.com/dmehra2102/storefront-checkout/internal/order/infrastructure/postgres"
	paymentapp "github.com/dmehra2102/storefront-checkout/internal/payment/application"
	payment "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	paymentpg "github.com/dmehra2102/storefront-checkout/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/platform/postgres"
	"github.com/dmehra2102/storefront-checkout/internal/testutil"
)

type stubGateway struct{}

func (stubGateway) InitiatePayment(_ context.Context, req payment.PaymentRequest) (payment.PaymentHandle, error) {
	return payment.PaymentHandle{RemoteOrderID: "remote-" + req.MerchantOrderID, PaymentToken: "pk", RedirectURL: "https://pay/x"}, nil
}

type env struct {
	catalog *inventorypg.Catalog
	orders  *orderapp.Service
	bridge  *guestapp.Bridge
	outbox  *postgres.OutboxStore
	audit   *paymentpg.DeliveryRepository
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := postgres.Open(ctx, testutil.Postgres(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool, log))

	repo := orderpg.NewRepository(log, pool)
	catalog := inventorypg.NewCatalog(log, pool)
	return &env{
		catalog: catalog,
		orders: orderapp.NewService(log, repo, catalog, stubGateway{}, access.NewGuard(log, repo),
			inventoryapp.NewLedger(log)),
		bridge: guestapp.NewBridge(log, guestpg.NewInviteRepository(log, pool), guestapp.NewLogNotifier(log)),
		outbox: postgres.NewOutboxStore(log, pool),
		audit:  paymentpg.NewDeliveryRepository(log, pool),
	}
}

func (e *env) pending(t *testing.T, lines ...inventory.Line) orderdomain.Order {
	t.Helper()
	ctx := context.Background()
	o, err := e.orders.PlaceOrder(ctx, orderapp.PlaceOrderRequest{CustomerEmail: "guest@example.com", Lines: lines})
	require.NoError(t, err)
	_, err = e.orders.InitiatePayment(ctx, o.ID, payment.BillingInfo{FirstName: "G", LastName: "Q", Email: "guest@example.com", PhoneNumber: "1"})
	require.NoError(t, err)
	o, err = e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	return o
}

func captured(o orderdomain.Order, txn string) payment.VerifiedEvent {
	return payment.VerifiedEvent{
		TransactionID:   txn,
		MerchantOrderID: o.ID,
		RemoteOrderID:   o.RemoteOrderID,
		AmountCents:     o.TotalCents,
		Currency:        o.Currency,
		Outcome:         payment.OutcomeCaptured,
		OccurredAt:      time.Now().UTC(),
	}
}

func TestSettlementAgainstPostgres(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.catalog.UpsertVariant(ctx, inventory.Variant{ID: "V1", SKU: "S1", PriceCents: 1000, Currency: "EGP", Stock: 3}))
	require.NoError(t, e.catalog.UpsertVariant(ctx, inventory.Variant{ID: "V2", SKU: "S2", PriceCents: 500, Currency: "EGP", Stock: 1}))

	o := e.pending(t, inventory.Line{VariantID: "V1", Quantity: 2}, inventory.Line{VariantID: "V2", Quantity: 1})
	assert.Equal(t, "ORD-1001", o.Number)
	assert.Equal(t, orderdomain.StatusPendingPayment, o.Status)

	res, err := e.orders.ApplyPaymentEvent(ctx, captured(o, "T1"))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementApplied, res.Outcome)

	res, err = e.orders.ApplyPaymentEvent(ctx, captured(o, "T1"))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementDuplicate, res.Outcome)

	levels, err := e.catalog.StockLevels(ctx, []string{"V1", "V2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"V1": 1, "V2": 0}, levels)

	events, err := e.outbox.LockBatch(ctx, "it-relay", 10, 5, time.Minute)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{orderdomain.EventOrderPendingPayment, orderdomain.EventOrderConfirmed}, types)
	require.NoError(t, e.outbox.MarkSent(ctx, []int64{events[0].ID, events[1].ID}))
}

func TestInsufficientStockLeavesStockUntouched(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.catalog.UpsertVariant(ctx, inventory.Variant{ID: "V1", SKU: "S1", PriceCents: 1000, Currency: "EGP", Stock: 5}))
	require.NoError(t, e.catalog.UpsertVariant(ctx, inventory.Variant{ID: "V2", SKU: "S2", PriceCents: 500, Currency: "EGP", Stock: 1}))

	o := e.pending(t, inventory.Line{VariantID: "V1", Quantity: 1}, inventory.Line{VariantID: "V2", Quantity: 2})
	res, err := e.orders.ApplyPaymentEvent(ctx, captured(o, "T9"))
	require.NoError(t, err)
	assert.Equal(t, payment.SettlementInsufficientStock, res.Outcome)

	levels, err := e.catalog.StockLevels(ctx, []string{"V1", "V2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"V1": 5, "V2": 1}, levels)

	stored, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPendingPayment, stored.Status)
	assert.True(t, stored.NeedsReview)
}

func TestInviteRedeemAgainstPostgres(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.catalog.UpsertVariant(ctx, inventory.Variant{ID: "V1", SKU: "S1", PriceCents: 1000, Currency: "EGP", Stock: 5}))

	o := e.pending(t, inventory.Line{VariantID: "V1", Quantity: 1})
	inv, err := e.bridge.CreateInvite(ctx, o.ID, "GUEST@example.com")
	require.NoError(t, err)

	linked, err := e.bridge.Redeem(ctx, inv.Token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, linked.OrderID)

	_, err = e.bridge.Redeem(ctx, inv.Token, "user-2")
	assert.ErrorIs(t, err, guest.ErrInviteAlreadyUsed)

	stored, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, "user-1", *stored.UserID)
}

func TestDeliveryAudit(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	id, err := e.audit.Record(ctx, payment.Delivery{ReceivedAt: time.Now().UTC(), Signature: "abc", Payload: []byte(`{"type":"TRANSACTION"}`), Outcome: payment.DeliveryReceived})
	require.NoError(t, err)
	require.NoError(t, e.audit.Resolve(ctx, id, paymentapp.Resolution{
		Outcome: payment.DeliveryRejected, Detail: "hmac does not match", At: time.Now().UTC(),
	}))

	recent, err := e.audit.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, payment.DeliveryRejected, recent[0].Outcome)
	assert.NotNil(t, recent[0].ResolvedAt)
}

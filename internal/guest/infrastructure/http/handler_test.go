package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	"github.com/dmehra2102/storefront-checkout/internal/guest/application"
	"github.com/dmehra2102/storefront-checkout/internal/identity"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	"github.com/dmehra2102/storefront-checkout/internal/store/memory"
)

func seedGuestOrder(t *testing.T, s *memory.Store) orderdomain.Order {
	t.Helper()
	o, err := orderdomain.NewOrder("o-1", "ORD-1001", "guest@example.com", "EGP", nil,
		[]orderdomain.OrderItem{{VariantID: "V1", Quantity: 1, UnitPriceCents: 100}}, time.Now())
	require.NoError(t, err)
	o.AccessToken = "abc123"
	require.NoError(t, s.Orders().WithinTx(context.Background(), func(ctx context.Context, tx orderapp.Tx) error {
		return tx.Insert(ctx, o)
	}))
	return o
}

func TestInviteFlow(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	o := seedGuestOrder(t, store)
	issuer := identity.NewIssuer("jwt", time.Hour)

	r := chi.NewRouter()
	r.Use(identity.Middleware(issuer, log))
	bridge := application.NewBridge(log, store.Invites(), application.NewLogNotifier(log))
	NewHandler(log, bridge, access.NewGuard(log, store.Orders())).Mount(r)

	call := func(method, target, body, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/orders/o-1/invites?token=xyz789", `{"email":"guest@example.com"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(http.MethodPost, "/orders/o-1/invites?token=abc123", `{"email":"someone@else.com"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = call(http.MethodPost, "/orders/o-1/invites?token=abc123", `{"email":"GUEST@example.com"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var inv inviteResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inv))
	require.NotEmpty(t, inv.Token)

	rec = call(http.MethodPost, "/invites/"+inv.Token+"/redeem", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	user, _ := issuer.Issue("user-9", "")
	rec = call(http.MethodPost, "/invites/"+inv.Token+"/redeem", "", user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orderId":"o-1","orderNumber":"ORD-1001","userId":"user-9"}`, rec.Body.String())

	rec = call(http.MethodPost, "/invites/"+inv.Token+"/redeem", "", user)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(http.MethodPost, "/invites/unknown/redeem", "", user)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	linked, err := store.Orders().Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.UserID)
	assert.Equal(t, "user-9", *linked.UserID)
}

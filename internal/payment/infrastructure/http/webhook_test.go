package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/storefront-checkout/internal/payment/application"
	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

type stubService struct {
	receipt application.Receipt
	err     error
	gotSig  string
	gotRaw  string
}

func (s *stubService) Handle(_ context.Context, raw []byte, signature string) (application.Receipt, error) {
	s.gotRaw = string(raw)
	s.gotSig = signature
	return s.receipt, s.err
}

func serve(t *testing.T, svc *stubService, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).Mount(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	return rec
}

func TestWebhookStatusPolicy(t *testing.T) {
	applied := &domain.Settlement{Outcome: domain.SettlementApplied}
	tests := []struct {
		name    string
		receipt application.Receipt
		err     error
		status  int
	}{
		{name: "applied", receipt: application.Receipt{DeliveryID: 1, Outcome: domain.DeliveryProcessed, Settlement: applied}, status: http.StatusOK},
		{name: "flagged", receipt: application.Receipt{DeliveryID: 1, Outcome: domain.DeliveryProcessed, Settlement: &domain.Settlement{Outcome: domain.SettlementAmountMismatch}}, status: http.StatusOK},
		{name: "bad signature", receipt: application.Receipt{DeliveryID: 1, Outcome: domain.DeliveryRejected}, err: domain.Invalid("mismatch"), status: http.StatusOK},
		{name: "malformed", receipt: application.Receipt{DeliveryID: 1, Outcome: domain.DeliveryMalformed}, err: domain.Malformed("not json"), status: http.StatusBadRequest},
		{name: "audit down", err: application.ErrAuditUnavailable, status: http.StatusServiceUnavailable},
		{name: "settle failed", receipt: application.Receipt{DeliveryID: 1, Outcome: domain.DeliveryFailed}, err: errors.New("deadlock"), status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &stubService{receipt: tt.receipt, err: tt.err}, "/webhooks/gateway", `{}`)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWebhookSignatureSource(t *testing.T) {
	svc := &stubService{receipt: application.Receipt{Outcome: domain.DeliveryProcessed}}

	serve(t, svc, "/webhooks/gateway?hmac=abc", `{"type":"TRANSACTION","hmac":"def"}`)
	assert.Equal(t, "abc", svc.gotSig)

	serve(t, svc, "/webhooks/gateway", `{"type":"TRANSACTION","hmac":"def"}`)
	assert.Equal(t, "def", svc.gotSig)
	require.Equal(t, `{"type":"TRANSACTION","hmac":"def"}`, svc.gotRaw)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmehra2102/storefront-checkout/internal/payment/application"
	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	"github.com/dmehra2102/storefront-checkout/internal/payment/webhook"
)

const maxPayload = 1 << 20

type WebhookHandler interface {
	Handle(ctx context.Context, raw []byte, signature string) (application.Receipt, error)
}

type Handler struct {
	log     *slog.Logger
	service WebhookHandler
}

func NewHandler(log *slog.Logger, service WebhookHandler) *Handler {
	return &Handler{log: log, service: service}
}

func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/gateway", h.receive)
}

type ack struct {
	DeliveryID int64  `json:"delivery_id,omitempty"`
	Outcome    string `json:"outcome"`
	Settlement string `json:"settlement,omitempty"`
}

// receive answers 200 whenever redelivery cannot change the result: applied,
// duplicate and flagged events as well as signature mismatches. Malformed
// payloads get 400. Failures to record or settle get 503 so the gateway retries.
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Outcome: "unreadable"})
		return
	}

	sig := r.URL.Query().Get("hmac")
	if sig == "" {
		sig = webhook.SignatureFromEnvelope(raw)
	}

	receipt, err := h.service.Handle(r.Context(), raw, sig)
	body := ack{DeliveryID: receipt.DeliveryID, Outcome: string(receipt.Outcome)}
	if receipt.Settlement != nil {
		body.Settlement = string(receipt.Settlement.Outcome)
	}

	switch {
	case err == nil, errors.Is(err, domain.ErrInvalidSignature):
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, domain.ErrMalformed):
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, application.ErrAuditUnavailable):
		body.Outcome = "unrecorded"
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		writeJSON(w, http.StatusServiceUnavailable, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

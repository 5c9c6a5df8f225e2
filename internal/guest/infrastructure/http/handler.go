package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	"github.com/dmehra2102/storefront-checkout/internal/guest/application"
	"github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	"github.com/dmehra2102/storefront-checkout/internal/identity"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
)

type TokenValidator interface {
	Validate(ctx context.Context, orderID, token string) (orderdomain.Order, error)
}

type Handler struct {
	log    *slog.Logger
	bridge *application.Bridge
	guard  TokenValidator
}

func NewHandler(log *slog.Logger, bridge *application.Bridge, guard TokenValidator) *Handler {
	return &Handler{log: log, bridge: bridge, guard: guard}
}

func (h *Handler) Mount(r chi.Router) {
	r.Post("/orders/{id}/invites", h.createInvite)
	r.With(identity.Require("")).Post("/invites/{token}/redeem", h.redeem)
}

type inviteReq struct {
	Email string `json:"email"`
}

type inviteResp struct {
	InviteID  string    `json:"invite_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) createInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.guard.Validate(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req inviteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	inv, err := h.bridge.CreateInvite(ctx, o.ID, req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResp{InviteID: inv.ID, Token: inv.Token, ExpiresAt: inv.ExpiresAt})
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	linked, err := h.bridge.Redeem(r.Context(), chi.URLParam(r, "token"), id.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linked)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrDenied), errors.Is(err, orderapp.ErrNotFound), errors.Is(err, domain.ErrInviteNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInviteExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInviteAlreadyUsed), errors.Is(err, domain.ErrNotGuestOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmailMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "not found"
	case http.StatusInternalServerError:
		h.log.Error("invite request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

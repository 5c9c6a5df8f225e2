package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/storefront-checkout/internal/access"
	"github.com/dmehra2102/storefront-checkout/internal/identity"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	"github.com/dmehra2102/storefront-checkout/internal/order/application"
	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
	payment "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

type TokenValidator interface {
	Validate(ctx context.Context, orderID, token string) (domain.Order, error)
}

type Handler struct {
	log     *slog.Logger
	service *application.Service
	guard   TokenValidator
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service, guard TokenValidator) *Handler {
	return &Handler{
		log:     log,
		service: service,
		guard:   guard,
		tracer:  otel.Tracer("order-http"),
	}
}

type lineReq struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutReq struct {
	Email   string              `json:"email"`
	Lines   []lineReq           `json:"lines"`
	Billing payment.BillingInfo `json:"billing"`
}

type checkoutResp struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	AccessToken string `json:"access_token"`
	Status      string `json:"status"`
	TotalCents  int64  `json:"total_cents"`
	Currency    string `json:"currency"`
	PaymentURL  string `json:"payment_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type paymentReq struct {
	Billing payment.BillingInfo `json:"billing"`
}

// Mount registers the checkout, guest and admin order routes. Admin routes
// expect identity.Middleware to run first.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Post("/orders/{id}/payment", h.retryPayment)
	r.Get("/orders/{id}/status", h.status)
	r.Post("/orders/{id}/cancel", h.customerCancel)

	admin := r.With(identity.Require(identity.RoleAdmin))
	admin.Get("/admin/orders/{id}", h.adminGet)
	admin.Post("/admin/orders/{id}/cancel", h.admin(h.service.Cancel))
	admin.Post("/admin/orders/{id}/refund", h.admin(h.service.Refund))
	admin.Post("/admin/orders/{id}/ship", h.admin(h.service.Ship))
	admin.Post("/admin/orders/{id}/deliver", h.admin(h.service.Deliver))
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Checkout")
	defer span.End()

	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}

	place := application.PlaceOrderRequest{CustomerEmail: req.Email}
	if id, ok := identity.FromContext(ctx); ok {
		place.UserID = &id.UserID
	}
	for _, l := range req.Lines {
		place.Lines = append(place.Lines, inventory.Line{VariantID: l.VariantID, Quantity: l.Quantity})
	}

	o, err := h.service.PlaceOrder(ctx, place)
	if err != nil {
		h.writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("order_id", o.ID))

	resp := checkoutResp{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		AccessToken: o.AccessToken,
		Status:      string(o.Status),
		TotalCents:  o.TotalCents,
		Currency:    o.Currency,
	}
	handle, err := h.service.InitiatePayment(ctx, o.ID, req.Billing)
	if err != nil {
		// The draft stays usable: the client retries POST /orders/{id}/payment.
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	resp.Status = string(domain.StatusPendingPayment)
	resp.PaymentURL = handle.RedirectURL
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.guard.Validate(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req paymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body"))
		return
	}
	handle, err := h.service.InitiatePayment(ctx, o.ID, req.Billing)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	o, err := h.guard.Validate(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Project())
}

func (h *Handler) customerCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.guard.Validate(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	o, err = h.service.Cancel(ctx, o.ID, domain.Cause{Kind: domain.CauseCustomer, Actor: o.CustomerEmail})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": o.ID, "status": string(o.Status)})
}

type adminOrder struct {
	ID             string             `json:"id"`
	OrderNumber    string             `json:"order_number"`
	UserID         *string            `json:"user_id"`
	CustomerEmail  string             `json:"customer_email"`
	Status         string             `json:"status"`
	PaymentStatus  string             `json:"payment_status"`
	TotalCents     int64              `json:"total_cents"`
	Currency       string             `json:"currency"`
	Items          []domain.OrderItem `json:"items"`
	RemoteOrderID  string             `json:"remote_order_id,omitempty"`
	StockCommitted bool               `json:"stock_committed"`
	NeedsReview    bool               `json:"needs_review"`
	ReviewReason   string             `json:"review_reason,omitempty"`
}

func toAdmin(o domain.Order) adminOrder {
	return adminOrder{
		ID:             o.ID,
		OrderNumber:    o.Number,
		UserID:         o.UserID,
		CustomerEmail:  o.CustomerEmail,
		Status:         string(o.Status),
		PaymentStatus:  string(o.PaymentStatus),
		TotalCents:     o.TotalCents,
		Currency:       o.Currency,
		Items:          o.Items,
		RemoteOrderID:  o.RemoteOrderID,
		StockCommitted: o.StockCommitted,
		NeedsReview:    o.NeedsReview,
		ReviewReason:   o.ReviewReason,
	}
}

func (h *Handler) adminGet(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdmin(o))
}

type transitionFunc func(ctx context.Context, id string, cause domain.Cause) (domain.Order, error)

func (h *Handler) admin(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := identity.FromContext(r.Context())
		o, err := fn(r.Context(), chi.URLParam(r, "id"), domain.Cause{Kind: domain.CauseAdmin, Actor: id.UserID})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAdmin(o))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrDenied), errors.Is(err, application.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalEdge), errors.Is(err, application.ErrAlreadyPaid):
		return http.StatusConflict
	case errors.Is(err, application.ErrUnknownVariant), errors.Is(err, application.ErrMixedCurrency),
		errors.Is(err, domain.ErrEmptyOrder), errors.Is(err, domain.ErrInvalidItem), errors.Is(err, domain.ErrInvalidEmail),
		errors.Is(err, inventory.ErrInvalidLine), errors.Is(err, payment.ErrInvalidBilling):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrGatewayAuth), errors.Is(err, payment.ErrGatewayOrder), errors.Is(err, payment.ErrGatewayKey):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "order not found"
	case http.StatusInternalServerError:
		h.log.Error("order request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody(msg))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package gateway drives the payment provider's hosted-checkout handshake:
// authenticate, register the order remotely, then obtain a payment key.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

type Config struct {
	BaseURL       string
	APIKey        string
	IntegrationID int64
	IframeID      string
	Timeout       time.Duration
	// KeyExpiry bounds how long the hosted payment page accepts the key.
	KeyExpiry time.Duration
}

var ErrDuplicateOrder = errors.New("merchant order id already registered")

type Client struct {
	log    *slog.Logger
	http   *http.Client
	cfg    Config
	tracer trace.Tracer
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.KeyExpiry <= 0 {
		cfg.KeyExpiry = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		log:    log,
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		tracer: otel.Tracer("payment-gateway"),
	}
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type registerRequest struct {
	AuthToken       string            `json:"auth_token"`
	DeliveryNeeded  bool              `json:"delivery_needed"`
	AmountCents     int64             `json:"amount_cents"`
	Currency        string            `json:"currency"`
	MerchantOrderID string            `json:"merchant_order_id"`
	Items           []domain.LineItem `json:"items"`
}

type registerResponse struct {
	ID json.Number `json:"id"`
}

type orderPage struct {
	Results []struct {
		ID              json.Number `json:"id"`
		MerchantOrderID string      `json:"merchant_order_id"`
	} `json:"results"`
}

type paymentKeyRequest struct {
	AuthToken     string      `json:"auth_token"`
	AmountCents   int64       `json:"amount_cents"`
	Expiration    int64       `json:"expiration"`
	OrderID       string      `json:"order_id"`
	BillingData   billingData `json:"billing_data"`
	Currency      string      `json:"currency"`
	IntegrationID int64       `json:"integration_id"`
}

type billingData struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	PhoneNumber    string `json:"phone_number"`
	Street         string `json:"street"`
	Building       string `json:"building"`
	Floor          string `json:"floor"`
	Apartment      string `json:"apartment"`
	City           string `json:"city"`
	State          string `json:"state"`
	Country        string `json:"country"`
	PostalCode     string `json:"postal_code"`
	ShippingMethod string `json:"shipping_method"`
}

// InitiatePayment runs the handshake and returns the hosted-payment handle.
// Every call starts from a fresh auth token. When req.RemoteOrderID is set the
// registration step is skipped and that remote order is reused.
func (c *Client) InitiatePayment(ctx context.Context, req domain.PaymentRequest) (domain.PaymentHandle, error) {
	ctx, span := c.tracer.Start(ctx, "InitiatePayment", trace.WithAttributes(
		attribute.String("merchant_order_id", req.MerchantOrderID),
		attribute.Int64("amount_cents", req.AmountCents),
	))
	defer span.End()

	if missing := req.Billing.Missing(); len(missing) > 0 {
		err := fmt.Errorf("%w: missing %s", domain.ErrInvalidBilling, strings.Join(missing, ", "))
		span.SetStatus(codes.Error, err.Error())
		return domain.PaymentHandle{}, err
	}

	handle, err := c.initiate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("gateway handshake failed", "merchant_order_id", req.MerchantOrderID, "err", err)
		return domain.PaymentHandle{}, err
	}
	c.log.Info("gateway handle issued", "merchant_order_id", req.MerchantOrderID, "remote_order_id", handle.RemoteOrderID)
	return handle, nil
}

func (c *Client) initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentHandle, error) {
	var auth tokenResponse
	status, err := c.post(ctx, "/auth/tokens", authRequest{APIKey: c.cfg.APIKey}, &auth)
	if err == nil && auth.Token == "" {
		err = errors.New("empty auth token")
	}
	if err != nil {
		return domain.PaymentHandle{}, &domain.GatewayError{Step: domain.StepAuthenticate, StatusCode: status, Err: err}
	}

	remoteID := req.RemoteOrderID
	if remoteID == "" {
		var reg registerResponse
		status, err = c.post(ctx, "/ecommerce/orders", registerRequest{
			AuthToken:       auth.Token,
			AmountCents:     req.AmountCents,
			Currency:        req.Currency,
			MerchantOrderID: req.MerchantOrderID,
			Items:           req.Items,
		}, &reg)
		if errors.Is(err, ErrDuplicateOrder) {
			// An earlier attempt registered the order but its id never reached us.
			reg.ID, status, err = c.lookupOrder(ctx, auth.Token, req.MerchantOrderID)
		}
		if err == nil && reg.ID.String() == "" {
			err = errors.New("empty remote order id")
		}
		if err != nil {
			return domain.PaymentHandle{}, &domain.GatewayError{Step: domain.StepRegister, StatusCode: status, Err: err}
		}
		remoteID = reg.ID.String()
	}

	var key tokenResponse
	status, err = c.post(ctx, "/acceptance/payment_keys", paymentKeyRequest{
		AuthToken:     auth.Token,
		AmountCents:   req.AmountCents,
		Expiration:    int64(c.cfg.KeyExpiry / time.Second),
		OrderID:       remoteID,
		BillingData:   fillBilling(req.Billing),
		Currency:      req.Currency,
		IntegrationID: c.cfg.IntegrationID,
	}, &key)
	if err == nil && key.Token == "" {
		err = errors.New("empty payment key")
	}
	if err != nil {
		return domain.PaymentHandle{}, &domain.GatewayError{Step: domain.StepPaymentKey, StatusCode: status, RemoteOrderID: remoteID, Err: err}
	}

	return domain.PaymentHandle{
		RemoteOrderID: remoteID,
		PaymentToken:  key.Token,
		RedirectURL:   c.redirectURL(key.Token),
	}, nil
}

func (c *Client) redirectURL(token string) string {
	return fmt.Sprintf("%s/acceptance/iframes/%s?payment_token=%s", c.cfg.BaseURL, url.PathEscape(c.cfg.IframeID), url.QueryEscape(token))
}

func fillBilling(b domain.BillingInfo) billingData {
	na := func(s string) string {
		if s = strings.TrimSpace(s); s == "" {
			return domain.NotApplicable
		}
		return s
	}
	return billingData{
		FirstName:      na(b.FirstName),
		LastName:       na(b.LastName),
		Email:          na(b.Email),
		PhoneNumber:    na(b.PhoneNumber),
		Street:         na(b.Street),
		Building:       na(b.Building),
		Floor:          na(b.Floor),
		Apartment:      na(b.Apartment),
		City:           na(b.City),
		State:          na(b.State),
		Country:        na(b.Country),
		PostalCode:     na(b.PostalCode),
		ShippingMethod: domain.NotApplicable,
	}
}

// lookupOrder finds the remote order already registered under merchantOrderID.
func (c *Client) lookupOrder(ctx context.Context, token, merchantOrderID string) (json.Number, int, error) {
	var page orderPage
	path := "/ecommerce/orders?merchant_order_id=" + url.QueryEscape(merchantOrderID)
	status, err := c.send(ctx, http.MethodGet, path, token, nil, &page)
	if err != nil {
		return "", status, fmt.Errorf("lookup duplicate order: %w", err)
	}
	for _, o := range page.Results {
		if o.MerchantOrderID == merchantOrderID && o.ID.String() != "" {
			c.log.Info("recovered remote order", "merchant_order_id", merchantOrderID, "remote_order_id", o.ID.String())
			return o.ID, status, nil
		}
	}
	return "", status, ErrDuplicateOrder
}

func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	return c.send(ctx, http.MethodPost, path, "", body, out)
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) (int, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+strings.SplitN(path, "?", 2)[0])
	defer span.End()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnprocessableEntity && bytes.Contains(bytes.ToLower(data), []byte("duplicate")) {
			return resp.StatusCode, ErrDuplicateOrder
		}
		return resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

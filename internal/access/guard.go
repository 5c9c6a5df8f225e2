// Package access issues and checks the per-order capability tokens that let
// guests read their own order without an account.
package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/dmehra2102/storefront-checkout/internal/order/domain"
)

// ErrDenied is the only failure Validate reports; callers cannot tell a
// missing order from a wrong token.
var ErrDenied = errors.New("access: denied")

const tokenBytes = 32

type OrderReader interface {
	Get(ctx context.Context, id string) (domain.Order, error)
}

type Guard struct {
	log    *slog.Logger
	orders OrderReader
}

func NewGuard(log *slog.Logger, orders OrderReader) *Guard {
	return &Guard{log: log, orders: orders}
}

// Issue returns a fresh 256-bit token for a new order.
func (g *Guard) Issue() (string, error) {
	return RandomToken()
}

// Validate returns the order only when token matches its stored access token.
func (g *Guard) Validate(ctx context.Context, orderID, token string) (domain.Order, error) {
	if orderID == "" || token == "" {
		return domain.Order{}, ErrDenied
	}
	o, err := g.orders.Get(ctx, orderID)
	if err != nil {
		g.log.Debug("access lookup failed", "order_id", orderID, "err", err)
		return domain.Order{}, ErrDenied
	}
	if o.AccessToken == "" || subtle.ConstantTimeCompare([]byte(o.AccessToken), []byte(token)) != 1 {
		g.log.Warn("access token mismatch", "order_id", orderID)
		return domain.Order{}, ErrDenied
	}
	return o, nil
}

// RandomToken returns a URL-safe random token.
func RandomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

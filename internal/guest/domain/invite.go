package domain

import (
	"errors"
	"strings"
	"time"
)

// DefaultInviteTTL is how long a guest has to claim an order.
const DefaultInviteTTL = 7 * 24 * time.Hour

var (
	ErrInviteExpired     = errors.New("invite: expired")
	ErrInviteAlreadyUsed = errors.New("invite: already used")
	ErrInviteNotFound    = errors.New("invite: not found")
	ErrNotGuestOrder     = errors.New("invite: order already belongs to an account")
	ErrEmailMismatch     = errors.New("invite: email does not match the order")
)

// Invite lets the holder of Token attach a guest order to their account once.
type Invite struct {
	ID         string
	OrderID    string
	Email      string
	Token      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
	ConsumedBy string
}

func NewInvite(id, orderID, email, token string, now time.Time, ttl time.Duration) Invite {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	now = now.UTC()
	return Invite{
		ID:        id,
		OrderID:   orderID,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Token:     token,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// Redeemable reports why the invite cannot be consumed at now, if anything.
func (i Invite) Redeemable(now time.Time) error {
	if i.ConsumedAt != nil {
		return ErrInviteAlreadyUsed
	}
	if !now.Before(i.ExpiresAt) {
		return ErrInviteExpired
	}
	return nil
}

// LinkedOrder is the result of a successful redemption.
type LinkedOrder struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	UserID      string `json:"userId"`
}

package domain

import (
	"sort"
	"strings"
	"time"
)

// Outcome is what a verified gateway transaction says happened to the money.
type Outcome string

const (
	OutcomeCaptured   Outcome = "CAPTURED"
	OutcomeAuthorized Outcome = "AUTHORIZED"
	OutcomePending    Outcome = "PENDING"
	OutcomeDeclined   Outcome = "DECLINED"
	OutcomeVoided     Outcome = "VOIDED"
	OutcomeRefunded   Outcome = "REFUNDED"
)

func (o Outcome) Successful() bool {
	return o == OutcomeCaptured || o == OutcomeAuthorized
}

// VerifiedEvent is a gateway transaction whose signature has been checked.
type VerifiedEvent struct {
	TransactionID   string
	// MerchantOrderID locates the local order but is not covered by the
	// default signed fields; RemoteOrderID is.
	MerchantOrderID string
	RemoteOrderID   string
	AmountCents     int64
	Currency        string
	Outcome         Outcome
	OccurredAt      time.Time
}

// BillingInfo is what the customer typed at checkout. Empty optional fields
// are sent to the gateway as NotApplicable.
type BillingInfo struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Street      string `json:"street"`
	Building    string `json:"building"`
	Floor       string `json:"floor"`
	Apartment   string `json:"apartment"`
	City        string `json:"city"`
	State       string `json:"state"`
	Country     string `json:"country"`
	PostalCode  string `json:"postal_code"`
}

// NotApplicable fills billing fields the gateway requires but the customer left empty.
const NotApplicable = "NA"

// Missing returns the names of the fields that must be supplied by the customer.
func (b BillingInfo) Missing() []string {
	var missing []string
	for name, v := range map[string]string{
		"first_name":   b.FirstName,
		"last_name":    b.LastName,
		"email":        b.Email,
		"phone_number": b.PhoneNumber,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// LineItem is an order line as described to the gateway.
type LineItem struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Quantity    int    `json:"quantity"`
}

type PaymentRequest struct {
	MerchantOrderID string
	// RemoteOrderID skips remote registration when an earlier attempt got one.
	RemoteOrderID string
	AmountCents   int64
	Currency      string
	Items         []LineItem
	Billing       BillingInfo
}

// PaymentHandle is what the customer is redirected with to pay.
type PaymentHandle struct {
	RemoteOrderID string `json:"remote_order_id"`
	PaymentToken  string `json:"-"`
	RedirectURL   string `json:"payment_url"`
}

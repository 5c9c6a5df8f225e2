// Package webhook authenticates asynchronous gateway notifications.
//
// The gateway signs a fixed, ordered list of transaction fields: their
// values are concatenated without separators and run through HMAC with the
// shared secret. The field list and hash are provider configuration.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

// TransactionType is the only notification type carrying payment outcomes.
const TransactionType = "TRANSACTION"

// DefaultFields is the provider's documented transaction field order.
var DefaultFields = []string{
	"amount_cents",
	"created_at",
	"currency",
	"error_occured",
	"has_parent_transaction",
	"id",
	"integration_id",
	"is_3d_secure",
	"is_auth",
	"is_capture",
	"is_refunded",
	"is_standalone_payment",
	"is_voided",
	"order.id",
	"owner",
	"pending",
	"source_data.pan",
	"source_data.sub_type",
	"source_data.type",
	"success",
}

type Verifier struct {
	secret []byte
	fields []string
	hash   func() hash.Hash
}

type Option func(*Verifier)

// WithFields overrides the signed field order.
func WithFields(fields []string) Option {
	return func(v *Verifier) {
		if len(fields) > 0 {
			v.fields = append([]string(nil), fields...)
		}
	}
}

// WithAlgorithm selects "sha512" (default) or "sha256".
func WithAlgorithm(name string) Option {
	return func(v *Verifier) {
		if strings.EqualFold(name, "sha256") {
			v.hash = sha256.New
		}
	}
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		fields: DefaultFields,
		hash:   sha512.New,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type envelope struct {
	Type string          `json:"type"`
	Obj  json.RawMessage `json:"obj"`
	HMAC string          `json:"hmac"`
}

// SignatureFromEnvelope extracts the signature embedded in the payload, if any.
func SignatureFromEnvelope(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.HMAC
}

// Verify checks providedSignature against rawPayload and, only if it matches,
// decodes the transaction. Every failure is a *domain.VerificationError.
func (v *Verifier) Verify(rawPayload []byte, providedSignature string) (domain.VerifiedEvent, error) {
	if strings.TrimSpace(providedSignature) == "" {
		return domain.VerifiedEvent{}, domain.Malformed("missing signature")
	}

	var env envelope
	if err := json.Unmarshal(rawPayload, &env); err != nil {
		return domain.VerifiedEvent{}, domain.Malformed("payload is not json: %v", err)
	}
	if env.Type != TransactionType {
		return domain.VerifiedEvent{}, domain.Malformed("unsupported notification type %q", env.Type)
	}
	obj, err := decodeObject(env.Obj)
	if err != nil {
		return domain.VerifiedEvent{}, domain.Malformed("transaction object: %v", err)
	}

	canonical, err := v.canonical(obj)
	if err != nil {
		return domain.VerifiedEvent{}, domain.Malformed("%v", err)
	}
	if !v.matches(canonical, providedSignature) {
		return domain.VerifiedEvent{}, domain.Invalid("hmac does not match transaction fields")
	}

	return eventFrom(obj)
}

// Sign returns the hex signature for a transaction object. The gateway
// simulator and tests use it.
func (v *Verifier) Sign(obj map[string]any) (string, error) {
	canonical, err := v.canonical(obj)
	if err != nil {
		return "", err
	}
	mac := hmac.New(v.hash, v.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (v *Verifier) canonical(obj map[string]any) (string, error) {
	var b strings.Builder
	for _, field := range v.fields {
		val, _ := lookup(obj, field)
		s, err := render(val)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", field, err)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func (v *Verifier) matches(canonical, provided string) bool {
	given, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return false
	}
	mac := hmac.New(v.hash, v.secret)
	mac.Write([]byte(canonical))
	return hmac.Equal(mac.Sum(nil), given)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("null")
	}
	return obj, nil
}

func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func render(val any) (string, error) {
	switch t := val.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("unsigned value of type %T", val)
	}
}

func eventFrom(obj map[string]any) (domain.VerifiedEvent, error) {
	txnID, _ := lookup(obj, "id")
	id, _ := render(txnID)
	if id == "" {
		return domain.VerifiedEvent{}, domain.Malformed("transaction id missing")
	}

	merchantRaw, _ := lookup(obj, "order.merchant_order_id")
	merchantID, _ := render(merchantRaw)
	if merchantID == "" {
		return domain.VerifiedEvent{}, domain.Malformed("merchant order id missing")
	}

	remoteRaw, _ := lookup(obj, "order.id")
	remoteID, _ := render(remoteRaw)

	amountRaw, _ := lookup(obj, "amount_cents")
	amountStr, _ := render(amountRaw)
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return domain.VerifiedEvent{}, domain.Malformed("amount_cents %q is not an integer", amountStr)
	}

	currencyRaw, _ := lookup(obj, "currency")
	currency, _ := render(currencyRaw)

	createdRaw, _ := lookup(obj, "created_at")
	createdStr, _ := render(createdRaw)
	occurredAt, err := parseTimestamp(createdStr)
	if err != nil {
		return domain.VerifiedEvent{}, domain.Malformed("created_at %q: %v", createdStr, err)
	}

	return domain.VerifiedEvent{
		TransactionID:   id,
		MerchantOrderID: merchantID,
		RemoteOrderID:   remoteID,
		AmountCents:     amount,
		Currency:        strings.ToUpper(currency),
		Outcome:         outcomeOf(obj),
		OccurredAt:      occurredAt,
	}, nil
}

func outcomeOf(obj map[string]any) domain.Outcome {
	switch {
	case flag(obj, "pending"):
		return domain.OutcomePending
	case !flag(obj, "success"):
		return domain.OutcomeDeclined
	case flag(obj, "is_voided"):
		return domain.OutcomeVoided
	case flag(obj, "is_refunded"):
		return domain.OutcomeRefunded
	case flag(obj, "is_auth"):
		return domain.OutcomeAuthorized
	default:
		return domain.OutcomeCaptured
	}
}

func flag(obj map[string]any, field string) bool {
	v, _ := lookup(obj, field)
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

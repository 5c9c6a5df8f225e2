package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/storefront-checkout/internal/payment/domain"
)

// ErrAuditUnavailable means the delivery could not be recorded, so nothing
// else was attempted and the gateway should redeliver.
var ErrAuditUnavailable = errors.New("webhook: delivery could not be recorded")

const dedupScope = "gateway-txn"

// Receipt describes what happened to one delivery.
type Receipt struct {
	DeliveryID int64
	Outcome    domain.DeliveryOutcome
	Settlement *domain.Settlement
}

// WebhookService runs record, verify, settle and resolve for each delivery.
type WebhookService struct {
	log        *slog.Logger
	deliveries DeliveryStore
	verifier   Verifier
	settler    Settler
	dedup      Deduper
	tracer     trace.Tracer
	now        func() time.Time
}

// NewWebhookService builds the intake pipeline. dedup may be nil.
func NewWebhookService(log *slog.Logger, deliveries DeliveryStore, verifier Verifier, settler Settler, dedup Deduper) *WebhookService {
	return &WebhookService{
		log:        log,
		deliveries: deliveries,
		verifier:   verifier,
		settler:    settler,
		dedup:      dedup,
		tracer:     otel.Tracer("payment-webhook"),
		now:        time.Now,
	}
}

// Handle processes one raw delivery. The returned error is one of
// ErrAuditUnavailable, a *domain.VerificationError, or a transient failure
// from settling; a nil error means the delivery is finished.
func (s *WebhookService) Handle(ctx context.Context, raw []byte, signature string) (Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	id, err := s.deliveries.Record(ctx, domain.Delivery{
		ReceivedAt: s.now().UTC(),
		Signature:  signature,
		Payload:    raw,
		Outcome:    domain.DeliveryReceived,
	})
	if err != nil {
		span.SetStatus(codes.Error, "record failed")
		s.log.Error("webhook delivery not recorded", "err", err)
		return Receipt{}, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	span.SetAttributes(attribute.Int64("delivery_id", id))

	ev, err := s.verifier.Verify(raw, signature)
	if err != nil {
		outcome := domain.DeliveryRejected
		if errors.Is(err, domain.ErrMalformed) {
			outcome = domain.DeliveryMalformed
		}
		s.resolve(ctx, id, Resolution{Outcome: outcome, Detail: err.Error()})
		s.log.Warn("webhook rejected", "delivery_id", id, "outcome", outcome, "err", err)
		return Receipt{DeliveryID: id, Outcome: outcome}, err
	}
	span.SetAttributes(
		attribute.String("transaction_id", ev.TransactionID),
		attribute.String("merchant_order_id", ev.MerchantOrderID),
	)

	var key string
	if s.dedup != nil {
		key = s.dedup.ScopedKey(dedupScope, ev.TransactionID)
		done, err := s.dedup.Exists(ctx, key)
		switch {
		case err != nil:
			s.log.Warn("webhook dedup unavailable", "delivery_id", id, "err", err)
		case done:
			st := domain.Settlement{Outcome: domain.SettlementDuplicate}
			s.resolve(ctx, id, Resolution{
				Outcome:         domain.DeliveryProcessed,
				TransactionID:   ev.TransactionID,
				MerchantOrderID: ev.MerchantOrderID,
				Detail:          string(st.Outcome),
			})
			s.log.Info("webhook duplicate delivery", "delivery_id", id, "transaction_id", ev.TransactionID)
			return Receipt{DeliveryID: id, Outcome: domain.DeliveryProcessed, Settlement: &st}, nil
		}
	}

	st, err := s.settler.ApplyPaymentEvent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.resolve(ctx, id, Resolution{
			Outcome:         domain.DeliveryFailed,
			TransactionID:   ev.TransactionID,
			MerchantOrderID: ev.MerchantOrderID,
			Detail:          err.Error(),
		})
		s.log.Error("webhook settlement failed", "delivery_id", id, "transaction_id", ev.TransactionID, "err", err)
		return Receipt{DeliveryID: id, Outcome: domain.DeliveryFailed}, err
	}
	if key != "" && settledFor(st.Outcome) {
		if err := s.dedup.Mark(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("webhook dedup mark failed", "key", key, "err", err)
		}
	}

	detail := string(st.Outcome)
	if st.Detail != "" {
		detail += ": " + st.Detail
	}
	s.resolve(ctx, id, Resolution{
		Outcome:         domain.DeliveryProcessed,
		TransactionID:   ev.TransactionID,
		MerchantOrderID: ev.MerchantOrderID,
		Detail:          detail,
	})
	return Receipt{DeliveryID: id, Outcome: domain.DeliveryProcessed, Settlement: &st}, nil
}

// settledFor reports whether the transaction id is finished for good. An
// unknown or mismatched order says nothing about the order the transaction
// really belongs to, so later deliveries must reach the settler again.
func settledFor(o domain.SettlementOutcome) bool {
	return o != domain.SettlementUnknownOrder && o != domain.SettlementOrderMismatch
}

// resolve is best effort: the delivery is already durable as RECEIVED.
func (s *WebhookService) resolve(ctx context.Context, id int64, res Resolution) {
	res.At = s.now().UTC()
	if err := s.deliveries.Resolve(context.WithoutCancel(ctx), id, res); err != nil {
		s.log.Warn("webhook delivery not resolved", "delivery_id", id, "err", err)
	}
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	orderdomain "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
	"github.com/dmehra2102/storefront-checkout/pkg/tracing"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Exists(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type InviteOfferer interface {
	OfferInvite(ctx context.Context, orderID string) error
}

// Consumer offers account invites to guests whose orders were confirmed.
type Consumer struct {
	log    *slog.Logger
	reader MessageReader
	bridge InviteOfferer
	idem   Deduper
	tracer trace.Tracer
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, reader MessageReader, bridge InviteOfferer, idem Deduper) *Consumer {
	return &Consumer{
		log:    log,
		reader: reader,
		bridge: bridge,
		idem:   idem,
		tracer: otel.Tracer("invite-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("invite consumer stopping")
				return nil
			}
			return err
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	if tracing.HeaderValue(msg.Headers, outbox.EventTypeHeader) != orderdomain.EventOrderConfirmed {
		return
	}

	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	done, err := c.idem.Exists(ctx, key)
	if err != nil {
		c.log.Error("idempotency check failed", "err", err)
		return
	}
	if done {
		c.log.Info("duplicate message skipped", "key", key)
		return
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderConfirmed")
	defer span.End()

	var ev orderdomain.OrderConfirmed
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("unmarshal failed", "err", err)
		return
	}
	span.SetAttributes(attribute.String("order_id", ev.OrderID))
	if !ev.Guest {
		return
	}

	if err := c.bridge.OfferInvite(msgCtx, ev.OrderID); err != nil {
		c.log.Error("invite offer failed", "order_id", ev.OrderID, "err", err)
		return
	}
	if err := c.idem.Mark(context.WithoutCancel(ctx), key); err != nil {
		c.log.Warn("idempotency mark failed", "key", key, "err", err)
	}
	c.log.Info("invite offer processed", "order_id", ev.OrderID)
}

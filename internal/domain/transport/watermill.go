package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Watermill is an AMQP-backed Transport for multi-silo clusters, grounded
// on the teacher's internal/adapter/pubsub publisher/dispatcher and
// internal/handler/amqp router: one durable queue per destination silo
// preserves the "no reorder within a stream" contract (§3 Transport),
// since AMQP guarantees FIFO delivery within a single queue.
type Watermill struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

// NewWatermill dials amqpURI and builds a Watermill transport. Each silo's
// queue name equals its siloID, so Send(destSiloID, ...) routes to exactly
// that silo's queue regardless of which silo published.
func NewWatermill(amqpURI string, logger *slog.Logger) (*Watermill, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wLogger := watermill.NewSlogLogger(logger)

	cfg := amqp.NewDurableQueueConfig(amqpURI)

	publisher, err := amqp.NewPublisher(cfg, wLogger)
	if err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "amqp publisher dial failed", err)
	}
	subscriber, err := amqp.NewSubscriber(cfg, wLogger)
	if err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "amqp subscriber dial failed", err)
	}

	return &Watermill{publisher: publisher, subscriber: subscriber, logger: logger}, nil
}

func (w *Watermill) Send(ctx context.Context, destSiloID string, env *actor.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "envelope marshal failed", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := w.publisher.Publish(destSiloID, msg); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, fmt.Sprintf("publish to silo queue %s failed", destSiloID), err)
	}
	return nil
}

func (w *Watermill) Subscribe(ctx context.Context, siloID string, handler Handler) error {
	messages, err := w.subscriber.Subscribe(ctx, siloID)
	if err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "subscribe to silo queue failed", err)
	}

	go func() {
		for msg := range messages {
			var env actor.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				w.logger.Error("TRANSPORT_DECODE_FAILED", "err", err, "msg_id", msg.UUID)
				msg.Ack()
				continue
			}
			handler(msg.Context(), &env)
			msg.Ack()
		}
	}()
	return nil
}

func (w *Watermill) Close() error {
	if err := w.subscriber.Close(); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "subscriber close failed", err)
	}
	if err := w.publisher.Close(); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "publisher close failed", err)
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hustlexp/escrow-kernel/internal/outbox"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
	"github.com/hustlexp/escrow-kernel/internal/platform/mrabbitmq"
)

// AMQPChannel is the slice of *amqp.Channel this publisher needs, narrowed
// to an interface so tests can fake the broker instead of dialing one —
// same shape as the teacher's ProducerRepository interface.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher fans claimed outbox events out onto a topic exchange,
// routed by event type, for the mail/SMS/analytics consumers downstream.
// Grounded on the teacher's ProducerRabbitMQRepository
// (components/consumer/internal/adapters/rabbitmq/producer.rabbitmq.go):
// same persistent-delivery publish call, adapted to the amqp091-go driver
// this module's go.mod actually requires.
type RabbitMQPublisher struct {
	Channel  func(ctx context.Context) (AMQPChannel, error)
	Exchange string
}

// NewRabbitMQPublisher builds a RabbitMQPublisher bound to exchange on conn.
func NewRabbitMQPublisher(conn *mrabbitmq.Connection, exchange string) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		Channel: func(ctx context.Context) (AMQPChannel, error) {
			return conn.Channel(ctx)
		},
		Exchange: exchange,
	}
}

// Publish implements the worker.Publish signature, routing on EventType as
// the binding key (e.g. "escrow.released", "dispute.opened").
func (p *RabbitMQPublisher) Publish(ctx context.Context, event outbox.Event) error {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "worker.rabbitmq.publish")
	defer span.End()

	logger := mlog.NewLoggerFromContext(ctx)

	ch, err := p.Channel(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to obtain rabbitmq channel", err)
		return fmt.Errorf("worker: rabbitmq channel: %w", err)
	}

	body, err := reencodeAsMsgpack(event.PayloadRaw)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to msgpack-encode outbox payload", err)
		return fmt.Errorf("worker: msgpack encode: %w", err)
	}

	err = ch.PublishWithContext(ctx, p.Exchange, event.EventType, false, false, amqp.Publishing{
		ContentType:  "application/msgpack",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Body:         body,
	})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to publish outbox event", err)
		logger.Errorf("worker: failed to publish event %s to exchange %s: %v", event.ID, p.Exchange, err)

		return fmt.Errorf("worker: publish: %w", err)
	}

	return nil
}

// reencodeAsMsgpack converts an outbox event's JSON payload (the durable,
// human-inspectable form stored in Postgres) into msgpack for the wire, the
// same encoding the teacher's write-behind transaction queue uses for its
// RabbitMQ message bodies.
func reencodeAsMsgpack(payloadRaw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payloadRaw, &v); err != nil {
		return nil, err
	}

	return msgpack.Marshal(v)
}

package worker_test

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hustlexp/escrow-kernel/internal/outbox"
	"github.com/hustlexp/escrow-kernel/internal/worker"
)

type fakeAMQPChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeAMQPChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}

	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)

	return nil
}

func TestRabbitMQPublisher_Publish_RoutesByEventType(t *testing.T) {
	ch := &fakeAMQPChannel{}
	pub := &worker.RabbitMQPublisher{
		Exchange: "escrow.events",
		Channel: func(context.Context) (worker.AMQPChannel, error) {
			return ch, nil
		},
	}

	event := outbox.Event{EventType: "escrow.released", PayloadRaw: []byte(`{"ok":true}`)}

	err := pub.Publish(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "escrow.released", ch.keys[0])
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/msgpack", ch.published[0].ContentType)

	var decoded map[string]any
	require.NoError(t, msgpack.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, true, decoded["ok"])
}

func TestRabbitMQPublisher_Publish_PropagatesBrokerError(t *testing.T) {
	ch := &fakeAMQPChannel{err: errors.New("broker unavailable")}
	pub := &worker.RabbitMQPublisher{
		Exchange: "escrow.events",
		Channel: func(context.Context) (worker.AMQPChannel, error) {
			return ch, nil
		},
	}

	err := pub.Publish(context.Background(), outbox.Event{EventType: "escrow.refunded"})
	assert.Error(t, err)
}

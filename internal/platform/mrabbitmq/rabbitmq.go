// Package mrabbitmq owns the RabbitMQ connection used by the outbox worker
// to publish claimed events. Grounded on common/mrabbitmq/rabbitmq.go from
// the teacher, updated to the amqp091-go driver (the one the root module
// actually requires, as opposed to the older streadway/amqp seen in
// common/ — see DESIGN.md).
package mrabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
)

// Connection is a hub which deals with rabbitmq connections.
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// Connect opens a connection and channel to rabbitmq.
func (c *Connection) Connect(_ context.Context) error {
	c.Logger.Info("Connecting to rabbitmq...")

	conn, err := amqp.Dial(c.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if ch == nil {
		return errors.New("mrabbitmq: nil channel returned by broker")
	}

	c.conn = conn
	c.channel = ch
	c.connected = true

	c.Logger.Info("Connected to rabbitmq")

	return nil
}

// Channel returns the rabbitmq channel, connecting lazily if necessary.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.channel, nil
}

// Close tears down the channel and connection.
func (c *Connection) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}

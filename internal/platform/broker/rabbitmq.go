package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"tle_arena/internal/platform/logger"
)

// Channel is the subset of *amqp.Channel the publishers use.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Connection bundles the AMQP connection with the channel used for publishing.
type Connection struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// Connect dials RabbitMQ and declares the durable topic exchange events are
// published to.
func Connect(url, exchange string) (*Connection, error) {
	log := logger.NewNamedLogger("rabbitmq")

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	log.Infof("Connected to RabbitMQ, exchange %s declared", exchange)
	return &Connection{Conn: conn, Channel: ch}, nil
}

func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Channel != nil {
		c.Channel.Close()
	}
	if c.Conn != nil {
		c.Conn.Close()
	}
	logger.NewNamedLogger("rabbitmq").Info("RabbitMQ connection closed")
}

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/broker"
)

const redisChannelPrefix = "arena:"

// RedisChannel maps a topic to its Pub/Sub channel: arena:room:<id> or arena:rooms.
func RedisChannel(topic string) string {
	return redisChannelPrefix + topic
}

// RedisPublisher relays events over Redis Pub/Sub for other processes.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("RedisPublisher.Publish marshal: %w", err)
	}
	if err := p.rdb.Publish(ctx, RedisChannel(ev.Topic), data).Err(); err != nil {
		return fmt.Errorf("RedisPublisher.Publish %s: %w", ev.Topic, err)
	}
	return nil
}

// AMQPPublisher sends events to a topic exchange for notification delivery.
type AMQPPublisher struct {
	ch       broker.Channel
	exchange string
}

func NewAMQPPublisher(ch broker.Channel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

// RoutingKey is room.<id>.<type> for room events and rooms.<type> for the list.
func RoutingKey(ev model.Event) string {
	if ev.Topic == model.GlobalTopic {
		return "rooms." + string(ev.Type)
	}
	return "room." + strings.ReplaceAll(ev.RoomID, ".", "_") + "." + string(ev.Type)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("AMQPPublisher.Publish marshal: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%d", ev.Topic, ev.Seq),
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("AMQPPublisher.Publish %s: %w", RoutingKey(ev), err)
	}
	return nil
}

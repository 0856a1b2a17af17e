package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
)

type relayEnvelope struct {
	Origin string      `json:"origin"`
	Event  StatusEvent `json:"event"`
}

// RedisRelay mirrors StatusEvents between engine replicas over a Redis
// pub/sub channel, so an observer connected to any replica sees every run.
// Events that come back from Redis with our own origin are ignored.
type RedisRelay struct {
	bus     *Bus
	client  *redis.Client
	channel string
	origin  string
	out     chan StatusEvent
	logger  logger.Logger
}

// NewRedisRelay relays bus events across replicas over the Redis channel.
func NewRedisRelay(bus *Bus, client *redis.Client, channel string, log logger.Logger) *RedisRelay {
	return &RedisRelay{
		bus:     bus,
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		out:     make(chan StatusEvent, defaultSubscriberBuffer),
		logger:  log,
	}
}

// Publish delivers locally and queues the event for Redis. It never blocks.
func (r *RedisRelay) Publish(event StatusEvent) {
	r.bus.Publish(event)

	select {
	case r.out <- event:
	default:
		metrics.EventsDropped.Inc()
	}
}

// Start subscribes to the relay channel and pumps events both ways until ctx
// is done. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	go r.run(ctx, pubsub)
	return nil
}

func (r *RedisRelay) run(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	incoming := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-r.out:
			data, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: event})
			if err != nil {
				r.logger.Error("Failed to encode status event", "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				r.logger.Warn("Failed to relay status event", "runId", event.RunID, "error", err)
			}

		case msg, ok := <-incoming:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("Dropping malformed relay message", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.bus.Publish(env.Event)
		}
	}
}

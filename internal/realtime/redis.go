package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker bridges the in-process hub over Redis Pub/Sub so fan-out reaches
// subscribers attached to other processes. Events published here are
// observed by every process's receive loop, including our own; local
// delivery always goes through that loop so an event is delivered exactly
// once per subscriber.
type Broker struct {
	client *redis.Client
	hub    *Hub
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewBroker(redisURL string, hub *Hub) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return newBroker(client, hub), nil
}

// NewBrokerWithClient creates a broker from an existing Redis client.
func NewBrokerWithClient(client *redis.Client, hub *Hub) *Broker {
	return newBroker(client, hub)
}

func newBroker(client *redis.Client, hub *Hub) *Broker {
	broker := &Broker{
		client: client,
		hub:    hub,
		pubsub: client.PSubscribe(context.Background(), "activity:*", "user:*"),
		done:   make(chan struct{}),
	}
	go broker.receive()
	return broker
}

func (b *Broker) receive() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("realtime: drop malformed event on %s: %v", msg.Channel, err)
			continue
		}
		b.hub.Broadcast(msg.Channel, event)
	}
}

// Publish sends the event to the Redis channel. Callers treat errors as
// best-effort failures; the originating write has already committed.
func (b *Broker) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close tears down the subscription and waits for the receive loop to drain.
func (b *Broker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if closeErr := b.client.Close(); err == nil {
		err = closeErr
	}
	return err
}

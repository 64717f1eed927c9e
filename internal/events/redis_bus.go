package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus fans events out over Redis pub/sub so other backend instances or
// dashboards can observe balance and sync activity.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(addr, password string, db int) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBus{client: client}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{Topic: topic, Payload: raw, CreatedAt: time.Now().UTC()}
	wire, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, wire).Err()
}

func (b *RedisBus) Subscribe(topic string) (<-chan Event, func()) {
	sub := b.client.Subscribe(context.Background(), topic)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[events] drop malformed event on %s: %v", topic, err)
				continue
			}
			select {
			case out <- event:
			default:
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

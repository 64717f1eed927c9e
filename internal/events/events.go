// Package events is the explicit publish/subscribe channel between the
// service layer and its observers, replacing the original application's
// ambient UI-event side channel. Three implementations: in-process, Redis
// pub/sub, and noop.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Topics emitted by the core.
const (
	TopicCategoryUpdated = "categories.updated"
	TopicBalanceUpdated  = "balances.updated"
	TopicReturnCreated   = "returns.created"
	TopicSyncCompleted   = "sync.completed"
)

type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string) (<-chan Event, func())
	Close() error
}

// NoopBus drops everything; the wiring fallback when observers are absent.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, string, any) error { return nil }

// Subscribe returns a closed channel so ranging subscribers terminate
// immediately instead of blocking forever.
func (NoopBus) Subscribe(string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (NoopBus) Close() error { return nil }

// MemoryBus is the in-process bus. Delivery is non-blocking: a subscriber
// that stops draining loses events rather than stalling publishers.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
	now  func() time.Time
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]chan Event),
		now:  time.Now,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{Topic: topic, Payload: raw, CreatedAt: b.now().UTC()}

	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (b *MemoryBus) Close() error { return nil }

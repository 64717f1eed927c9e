package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicBalanceUpdated)
	defer cancel()

	if err := bus.Publish(context.Background(), TopicBalanceUpdated, map[string]any{"shopkeeper_id": "sk-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-ch:
		if event.Topic != TopicBalanceUpdated {
			t.Fatalf("topic = %s", event.Topic)
		}
		if string(event.Payload) != `{"shopkeeper_id":"sk-1"}` {
			t.Fatalf("payload = %s", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusScopesByTopic(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicReturnCreated)
	defer cancel()

	if err := bus.Publish(context.Background(), TopicSyncCompleted, "ignored"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-ch:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicSyncCompleted)
	cancel()

	if err := bus.Publish(context.Background(), TopicSyncCompleted, "after cancel"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case event := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoopBusNeverDelivers(t *testing.T) {
	bus := NoopBus{}

	ch, cancel := bus.Subscribe(TopicBalanceUpdated)
	defer cancel()
	if err := bus.Publish(context.Background(), TopicBalanceUpdated, "dropped"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The subscription is closed up front; a ranging subscriber must see
	// zero events and terminate rather than block.
	count := 0
	for range ch {
		count++
	}
	if count != 0 {
		t.Fatalf("expected no events, got %d", count)
	}
}

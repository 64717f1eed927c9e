package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisBusRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)

	bus := NewRedisBus(server.Addr(), "", 0)
	defer bus.Close()

	if err := bus.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ch, cancel := bus.Subscribe(TopicBalanceUpdated)
	defer cancel()

	// Give the pub/sub goroutine a moment to register.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish(context.Background(), TopicBalanceUpdated, map[string]any{"balance_cents": int64(12500)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-ch:
		if event.Topic != TopicBalanceUpdated {
			t.Fatalf("topic = %s", event.Topic)
		}
		if string(event.Payload) != `{"balance_cents":12500}` {
			t.Fatalf("payload = %s", event.Payload)
		}
		if event.CreatedAt.IsZero() {
			t.Fatal("created_at not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered over redis")
	}
}

func TestRedisBusSubscribeClosesOnCancel(t *testing.T) {
	server := miniredis.RunT(t)

	bus := NewRedisBus(server.Addr(), "", 0)
	defer bus.Close()

	ch, cancel := bus.Subscribe(TopicSyncCompleted)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("got event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestBroker(t *testing.T) (*Broker, *Hub) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	hub := NewHub()
	broker := NewBrokerWithClient(client, hub)
	t.Cleanup(func() { _ = broker.Close() })
	// Give the pattern subscription a moment to register server-side.
	time.Sleep(50 * time.Millisecond)
	return broker, hub
}

func TestBrokerRoundTrip(t *testing.T) {
	broker, hub := setupTestBroker(t)

	sub := hub.Subscribe(ThreadChannel("act_root"))
	defer hub.Unsubscribe(sub)

	err := broker.Publish(context.Background(), ThreadChannel("act_root"), Event{
		Type:       EventActivityReply,
		ActivityID: "act_reply",
		RootID:     "act_root",
		Delta:      map[string]any{"title": "hello"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Type != EventActivityReply || event.ActivityID != "act_reply" || event.RootID != "act_root" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event delivered through the redis bridge")
	}
}

func TestBrokerUserChannel(t *testing.T) {
	broker, hub := setupTestBroker(t)

	sub := hub.Subscribe(UserChannel("usr_1"))
	defer hub.Unsubscribe(sub)

	err := broker.Publish(context.Background(), UserChannel("usr_1"), Event{
		Type:       EventActivityUpdated,
		ActivityID: "act_1",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Type != EventActivityUpdated {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event on user channel")
	}
}

func TestBrokerDropsMalformedPayloads(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	hub := NewHub()
	broker := NewBrokerWithClient(client, hub)
	defer broker.Close()
	time.Sleep(50 * time.Millisecond)

	sub := hub.Subscribe(ThreadChannel("act_root"))
	defer hub.Unsubscribe(sub)

	publisher := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer publisher.Close()
	if err := publisher.Publish(context.Background(), ThreadChannel("act_root"), "not json").Err(); err != nil {
		t.Fatalf("raw publish failed: %v", err)
	}
	if err := broker.Publish(context.Background(), ThreadChannel("act_root"), Event{Type: EventActivityCreated, ActivityID: "act_root"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Type != EventActivityCreated {
			t.Fatalf("malformed payload leaked through: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected well-formed event after malformed one was dropped")
	}
}

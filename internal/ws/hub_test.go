package ws

import (
	"encoding/json"
	"testing"

	"github.com/hubrts/youtube-command-deck/internal/logger"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return NewHub(log)
}

func newTestClient(buffer int) *Client {
	return &Client{
		Outbound: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func TestBroadcastDelivery(t *testing.T) {
	hub := testHub(t)
	client := newTestClient(4)
	hub.register(client)
	defer hub.unregister(client)

	hub.Broadcast(map[string]any{"type": "juice_job_update", "job": map[string]any{"job_id": "j1"}})

	select {
	case raw := <-client.Outbound:
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("broadcast payload is not JSON: %v", err)
		}
		if payload["type"] != "juice_job_update" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	default:
		t.Fatalf("no message delivered")
	}
}

func TestBroadcastOrderPerSubscriber(t *testing.T) {
	hub := testHub(t)
	client := newTestClient(8)
	hub.register(client)
	defer hub.unregister(client)

	for i := 0; i < 5; i++ {
		hub.Broadcast(map[string]any{"seq": i})
	}
	for i := 0; i < 5; i++ {
		raw := <-client.Outbound
		var payload map[string]float64
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if int(payload["seq"]) != i {
			t.Fatalf("events out of order: got %v at position %d", payload["seq"], i)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := testHub(t)
	slow := newTestClient(1)
	fast := newTestClient(8)
	hub.register(slow)
	hub.register(fast)
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	// First event fills the slow client's buffer; the second overflows it.
	hub.Broadcast(map[string]any{"n": 1})
	hub.Broadcast(map[string]any{"n": 2})

	if hub.ClientCount() != 1 {
		t.Fatalf("slow subscriber must be evicted, count=%d", hub.ClientCount())
	}
	// The fast client received both events.
	if len(fast.Outbound) != 2 {
		t.Fatalf("fast subscriber should keep both events, got %d", len(fast.Outbound))
	}
}

func TestBroadcastWithNoClientsIsNoop(t *testing.T) {
	hub := testHub(t)
	hub.Broadcast(map[string]any{"x": 1})
	if hub.ClientCount() != 0 {
		t.Fatalf("no clients expected")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := testHub(t)
	client := newTestClient(1)
	hub.register(client)
	hub.unregister(client)
	hub.unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unregister")
	}
}

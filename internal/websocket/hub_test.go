package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversToRegisteredUser(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient("u1", nil, h, nil)
	h.Register <- c
	eventually(t, func() bool { return h.IsUserOnline("u1") })

	h.BroadcastToUser("u1", NewMessage(EventChatListUpdated, ChatListPayload{}))
	h.BroadcastToUser("u2", NewMessage(EventChatListUpdated, ChatListPayload{}))

	select {
	case data := <-c.Send:
		var got struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != EventChatListUpdated {
			t.Fatalf("unexpected type %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	if len(c.Send) != 0 {
		t.Fatalf("expected exactly one event, %d queued", len(c.Send))
	}
}

func TestHubReplacesExistingConnection(t *testing.T) {
	h, _ := startHub(t)
	first := NewClient("u1", nil, h, nil)
	second := NewClient("u1", nil, h, nil)
	h.Register <- first
	h.Register <- second
	eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.Clients["u1"] == second
	})

	if _, ok := <-first.Send; ok {
		t.Fatal("expected the replaced connection's queue to be closed")
	}

	// A late unregister of the old connection must not evict the new one.
	h.Unregister <- first
	h.Unregister <- second
	eventually(t, func() bool { return !h.IsUserOnline("u1") })
	if h.GetOnlineCount() != 0 {
		t.Fatalf("expected no clients, got %d", h.GetOnlineCount())
	}
}

func TestHubDropsEventsForFullQueue(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient("u1", nil, h, nil)
	h.Register <- c
	eventually(t, func() bool { return h.IsUserOnline("u1") })

	for i := 0; i < sendBuffer+10; i++ {
		h.BroadcastToUser("u1", NewMessage(EventTimelineUpdated, TimelinePayload{ChatID: "c1"}))
	}
	if len(c.Send) != sendBuffer {
		t.Fatalf("expected queue to be capped at %d, got %d", sendBuffer, len(c.Send))
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	h, cancel := startHub(t)
	c := NewClient("u1", nil, h, nil)
	h.Register <- c
	eventually(t, func() bool { return h.IsUserOnline("u1") })

	cancel()
	eventually(t, func() bool { return !h.IsUserOnline("u1") })
	if c.trySend([]byte("late")) {
		t.Fatal("expected closed client to refuse events")
	}
}

func TestHubConnectAfterShutdownDoesNotBlock(t *testing.T) {
	h, cancel := startHub(t)
	live := NewClient("u1", nil, h, nil)
	if !h.Connect(live) {
		t.Fatal("expected a running hub to accept the client")
	}
	eventually(t, func() bool { return h.IsUserOnline("u1") })
	cancel()
	eventually(t, func() bool { return !h.IsUserOnline("u1") })

	done := make(chan bool, 1)
	late := NewClient("u2", nil, h, nil)
	go func() {
		accepted := h.Connect(late)
		h.Disconnect(late)
		h.Disconnect(live)
		done <- accepted
	}()

	select {
	case accepted := <-done:
		if accepted {
			t.Fatal("expected a stopped hub to refuse the client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect/disconnect blocked after shutdown")
	}
	if late.trySend([]byte("late")) {
		t.Fatal("expected the refused client's queue to be closed")
	}
}

func TestIncomingMessageString(t *testing.T) {
	var msg IncomingMessage
	if err := json.Unmarshal([]byte(`{"type":"open_chat","payload":{"chatId":"c1","n":3}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != EventOpenChat || msg.String("chatId") != "c1" || msg.String("n") != "" || msg.String("missing") != "" {
		t.Fatalf("unexpected decode: %+v", msg)
	}
}

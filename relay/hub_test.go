package relay

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHub_SubscribeRoundTrip(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, server := newConnPair(t)
	c := h.Add(server, time.Minute)

	if len(c.ID) < 6 {
		t.Fatalf("client id too short: %q", c.ID)
	}
	if c.Name() != "Client-"+c.ID {
		t.Fatalf("default name = %q", c.Name())
	}

	c.Subscribe("fordward")
	if !c.IsSubscribed("fordward") {
		t.Fatal("subscription not recorded")
	}
	c.Unsubscribe("fordward")
	if c.IsSubscribed("fordward") {
		t.Fatal("subscribe/unsubscribe did not round-trip")
	}
}

func TestHub_SetNameIgnoresEmpty(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, server := newConnPair(t)
	c := h.Add(server, time.Minute)

	c.SetName("")
	if c.Name() != "Client-"+c.ID {
		t.Fatal("empty name overwrote the default")
	}
	c.SetName("Alice")
	if c.Name() != "Alice" {
		t.Fatalf("name = %q", c.Name())
	}
}

func TestHub_BroadcastSelection(t *testing.T) {
	h := NewHub(zap.NewNop())
	peerA, serverA := newConnPair(t)
	peerB, serverB := newConnPair(t)
	a := h.Add(serverA, time.Minute)
	h.Add(serverB, time.Minute)

	a.Subscribe("fordward")

	h.BroadcastSubscribers("fordward", map[string]any{"type": "state", "robotId": "fordward"})
	msg := readJSON(t, peerA)
	if msg["type"] != "state" {
		t.Fatalf("subscriber got %v", msg)
	}

	// The non-subscriber must not receive it; the next frame it sees is the
	// all-hands broadcast.
	h.BroadcastAll(map[string]any{"type": "event"})
	msg = readJSON(t, peerB)
	if msg["type"] != "event" {
		t.Fatalf("non-subscriber received subscriber-only frame first: %v", msg)
	}
	msg = readJSON(t, peerA)
	if msg["type"] != "event" {
		t.Fatalf("subscriber missed all-hands broadcast: %v", msg)
	}
}

func TestHub_RemoveClosesPeer(t *testing.T) {
	h := NewHub(zap.NewNop())
	peer, server := newConnPair(t)
	c := h.Add(server, time.Minute)

	if h.Count() != 1 {
		t.Fatalf("count = %d", h.Count())
	}
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatal("client still registered after remove")
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := peer.ReadMessage(); err != nil {
			break
		}
	}

	// Second remove is a no-op, and must not panic on the closed queue.
	h.Remove(c)
}

func TestHub_EnqueueAfterRemoveDoesNotPanic(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, server := newConnPair(t)
	c := h.Add(server, time.Minute)

	// A broadcaster iterates a snapshot taken before the removal; its sends
	// land after the client is gone and must be silently dropped.
	snap := h.snapshot()
	h.Remove(c)
	for _, stale := range snap {
		stale.Enqueue([]byte(`{"type":"event"}`))
	}
}

func TestHub_ShutdownFlushesQueuedFrames(t *testing.T) {
	h := NewHub(zap.NewNop())
	peer, server := newConnPair(t)
	h.Add(server, time.Minute)

	h.BroadcastAll(map[string]any{"type": "event"})
	h.Shutdown(2 * time.Second)

	msg := readJSON(t, peer)
	if msg["type"] != "event" {
		t.Fatalf("queued frame lost on shutdown: %v", msg)
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := peer.ReadMessage(); err == nil {
		t.Fatal("socket still open after shutdown")
	}
}

func TestClient_OverflowDropsInsteadOfBlocking(t *testing.T) {
	_, server := newConnPair(t)
	// No write pump: the queue has no reader, as with a stalled peer.
	c := newClient(server, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendQueueSize*2; i++ {
			// Enqueue must never block, even with a full queue.
			c.Enqueue([]byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a slow client")
	}
}

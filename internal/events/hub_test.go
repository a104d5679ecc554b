package events

import (
	"context"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(8)
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversToGuildSubscribers(t *testing.T) {
	h := testHub()
	defer h.Close()

	a, cancelA := h.Subscribe("guild-1")
	defer cancelA()
	b, cancelB := h.Subscribe("guild-1")
	defer cancelB()
	other, cancelOther := h.Subscribe("guild-2")
	defer cancelOther()

	h.Publish(context.Background(), Event{Kind: KindGrantIssued, GuildID: "guild-1", Principal: "alice"})

	for _, ch := range []<-chan Event{a, b} {
		e := recv(t, ch)
		if e.Kind != KindGrantIssued || e.Principal != "alice" {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
	select {
	case e := <-other:
		t.Fatalf("guild-2 subscriber received foreign event: %+v", e)
	default:
	}
}

func TestHubWildcardSeesAllGuilds(t *testing.T) {
	h := testHub()
	defer h.Close()

	all, cancel := h.Subscribe("")
	defer cancel()

	h.Publish(context.Background(), Event{Kind: KindBudgetAlert, GuildID: "guild-1"})
	h.Publish(context.Background(), Event{Kind: KindSessionStatus, GuildID: "guild-2"})

	first := recv(t, all)
	second := recv(t, all)
	if first.Kind != KindBudgetAlert || second.Kind != KindSessionStatus {
		t.Fatalf("wildcard missed events: %+v, %+v", first, second)
	}
}

func TestHubGuildlessEventDeliveredOnce(t *testing.T) {
	h := testHub()
	defer h.Close()

	all, cancel := h.Subscribe("")
	defer cancel()

	h.Publish(context.Background(), Event{Kind: KindSessionStatus, SessionID: "sess-1"})

	e := recv(t, all)
	if e.SessionID != "sess-1" {
		t.Fatalf("unexpected event: %+v", e)
	}
	select {
	case dup := <-all:
		t.Fatalf("wildcard subscriber received the event twice: %+v", dup)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(1)
	defer h.Close()

	ch, cancel := h.Subscribe("guild-1")
	defer cancel()

	// Second publish must not block even though nobody is draining.
	done := make(chan struct{})
	go func() {
		h.Publish(context.Background(), Event{Kind: KindSessionStatus, GuildID: "guild-1"})
		h.Publish(context.Background(), Event{Kind: KindSessionStatus, GuildID: "guild-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	<-ch
}

func TestHubCancelThenCloseIsSafe(t *testing.T) {
	h := testHub()
	_, cancel := h.Subscribe("guild-1")
	cancel()
	cancel()
	h.Close()
	// Publishing after close must not panic.
	h.Publish(context.Background(), Event{Kind: KindSessionStatus, GuildID: "guild-1"})
}

package pubsub

import (
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	h := New(4)
	a := h.Subscribe("chat")
	b := h.Subscribe("chat")
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	h.Publish("chat", []byte("hello"))

	for _, sub := range []*Subscription{a, b} {
		select {
		case msg := <-sub.Messages():
			if string(msg) != "hello" {
				t.Fatalf("got %q, want hello", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestPublishDropsOnFullMailboxAndCounts(t *testing.T) {
	h := New(1)
	sub := h.Subscribe("chat")
	defer sub.Unsubscribe()

	h.Publish("chat", []byte("1")) // fills the mailbox (capacity 1)
	h.Publish("chat", []byte("2")) // must be dropped

	if got := sub.Dropped(); got != 1 {
		t.Fatalf("want 1 dropped message, got %d", got)
	}

	msg := <-sub.Messages()
	if string(msg) != "1" {
		t.Fatalf("want first message to survive, got %q", msg)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(4)
	sub := h.Subscribe("chat")
	sub.Unsubscribe()

	h.Publish("chat", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unsubscribed subscriber should not receive, got %q", msg)
	case <-time.After(20 * time.Millisecond):
	}

	if got := h.SubscriberCount("chat"); got != 0 {
		t.Fatalf("want 0 subscribers after unsubscribe, got %d", got)
	}
}

func TestIndependentSubjectsDoNotInterfere(t *testing.T) {
	h := New(4)
	chat := h.Subscribe("chat")
	room := h.Subscribe("room")
	defer chat.Unsubscribe()
	defer room.Unsubscribe()

	h.Publish("chat", []byte("c"))

	select {
	case <-room.Messages():
		t.Fatal("room subscriber should not receive a chat publish")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case msg := <-chat.Messages():
		if string(msg) != "c" {
			t.Fatalf("got %q, want c", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chat delivery")
	}
}

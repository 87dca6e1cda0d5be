package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tracker, unsubTracker := b.SubscribeTopics(4, "tracker.")
	defer unsubTracker()

	b.Publish(Event{Type: "tracker.delivered", Data: 7})
	b.Publish(Event{Type: "notifier.sent"})

	if got := (<-all).Type; got != "tracker.delivered" {
		t.Fatalf("all[0] = %q", got)
	}
	if got := (<-all).Type; got != "notifier.sent" {
		t.Fatalf("all[1] = %q", got)
	}
	e := <-tracker
	if e.Type != "tracker.delivered" || e.Data != 7 || e.Time.IsZero() {
		t.Fatalf("tracker event = %+v", e)
	}
	select {
	case e := <-tracker:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "a"})
		b.Publish(Event{Type: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	if (<-ch).Type != "a" || b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: "after"})
}

package eventbus

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, un1 := b.Subscribe(4)
	defer un1()
	ch2, un2 := b.Subscribe(4)
	defer un2()

	b.Publish(Event{Type: "task.fired", Data: "payload"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := recvEvent(t, ch)
		if e.Type != "task.fired" || e.Data != "payload" {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish did not stamp the event time")
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()
	b := New()
	ch, un := b.SubscribeTypes(4, "task.failed", "dispatch.failed")
	defer un()

	b.Publish(Event{Type: "task.completed"})
	b.Publish(Event{Type: "task.failed"})
	b.Publish(Event{Type: "backup.fired"})
	b.Publish(Event{Type: "dispatch.failed"})

	if e := recvEvent(t, ch); e.Type != "task.failed" {
		t.Fatalf("first = %q, want task.failed", e.Type)
	}
	if e := recvEvent(t, ch); e.Type != "dispatch.failed" {
		t.Fatalf("second = %q, want dispatch.failed", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("filtered type delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeTypesEmptySetMeansAll(t *testing.T) {
	t.Parallel()
	b := New()
	ch, un := b.SubscribeTypes(4)
	defer un()

	b.Publish(Event{Type: "anything"})
	if e := recvEvent(t, ch); e.Type != "anything" {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, un := b.Subscribe(1)
	defer un()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads ch; after the buffer fills the rest must drop.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "flood"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if e := recvEvent(t, ch); e.Type != "flood" {
		t.Fatalf("event = %+v", e)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, un := b.Subscribe(1)
	un()

	if _, ok := <-ch; ok {
		t.Fatal("channel open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(Event{Type: "late"})
	un() // second call is a no-op
}

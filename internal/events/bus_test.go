package events

import (
	"io"
	"log"
	"testing"
	"time"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b := New(log.New(io.Discard, "", 0))
	t.Cleanup(b.Close)
	return b
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := testBus(t)

	ch, cancel := b.Subscribe(TypeQueueChanged)
	defer cancel()

	b.Publish(Event{Type: TypeQueueChanged, Table: "members"})

	ev := receive(t, ch)
	if ev.Type != TypeQueueChanged || ev.Table != "members" {
		t.Errorf("received %+v, want queue-changed for members", ev)
	}
	if ev.Time.IsZero() {
		t.Error("event time was not stamped")
	}
}

func TestBus_SubscriptionFiltersTypes(t *testing.T) {
	b := testBus(t)

	ch, cancel := b.Subscribe(TypeNetworkChanged)
	defer cancel()

	b.Publish(Event{Type: TypeQueueChanged})
	b.Publish(Event{Type: TypeNetworkChanged})

	ev := receive(t, ch)
	if ev.Type != TypeNetworkChanged {
		t.Errorf("received %s, want network-changed (queue-changed must be filtered)", ev.Type)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_EmptySubscriptionReceivesAll(t *testing.T) {
	b := testBus(t)

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: TypeQueueChanged})
	b.Publish(Event{Type: TypeSyncingChanged, Payload: true})

	first := receive(t, ch)
	second := receive(t, ch)
	if first.Type != TypeQueueChanged || second.Type != TypeSyncingChanged {
		t.Errorf("received %s then %s", first.Type, second.Type)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := testBus(t)

	ch, cancel := b.Subscribe(TypeQueueChanged)
	cancel()

	b.Publish(Event{Type: TypeQueueChanged})

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("received %+v after unsubscribe", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := testBus(t)

	// A subscriber that never reads: the publisher must not wedge.
	_, cancel := b.Subscribe(TypeQueueChanged)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(Event{Type: TypeQueueChanged})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

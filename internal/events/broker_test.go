package events

import (
	"testing"
	"time"
)

func TestPublishSubscribeDelivery(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	_, ch := b.Subscribe("client-1", WildcardFilter)

	b.PublishDefault(TypeToolExecuted, "hello")

	select {
	case ev := <-ch:
		if ev.Type != TypeToolExecuted {
			t.Fatalf("expected type %s, got %s", TypeToolExecuted, ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	b.PublishDefault(TypeToolExecuted, "before")

	_, ch := b.Subscribe("client-1", WildcardFilter)

	select {
	case ev := <-ch:
		t.Fatalf("expected no replay, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypeFilterExcludesNonMatching(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	_, ch := b.Subscribe("client-1", TypeNodeRegistered)

	b.PublishDefault(TypeToolExecuted, "ignored")
	b.PublishDefault(TypeNodeRegistered, "kept")

	select {
	case ev := <-ch:
		if ev.Type != TypeNodeRegistered {
			t.Fatalf("expected node_registered, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPriorityThenIDOrdering(t *testing.T) {
	// Enqueue directly on a subscriber and don't drain yet, so all three
	// events are pending before the first receive.
	id := uint64(0)
	_ = id
	sub := newSubscriber(1, "client-1", WildcardFilter, 10)
	sub.enqueue(Event{ID: "a", Type: "x", Priority: 1})
	sub.enqueue(Event{ID: "b", Type: "x", Priority: 5})
	sub.enqueue(Event{ID: "c", Type: "x", Priority: 5})

	first := <-sub.Events()
	second := <-sub.Events()
	third := <-sub.Events()

	if first.ID != "b" || second.ID != "c" || third.ID != "a" {
		t.Fatalf("unexpected delivery order: %s, %s, %s", first.ID, second.ID, third.ID)
	}
}

func TestBackpressureDropsLowestPriority(t *testing.T) {
	sub := newSubscriber(1, "client-1", WildcardFilter, 2)
	sub.enqueue(Event{ID: "a", Priority: 1})
	sub.enqueue(Event{ID: "b", Priority: 9})
	dropped := sub.enqueue(Event{ID: "c", Priority: 5})

	if !dropped {
		t.Fatal("expected enqueue to report a drop once over capacity")
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", sub.Dropped())
	}

	first := <-sub.Events()
	second := <-sub.Events()
	if first.ID != "b" || second.ID != "c" {
		t.Fatalf("expected lowest priority 'a' dropped, got order %s, %s", first.ID, second.ID)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	sub, ch := b.Subscribe("client-1", WildcardFilter)
	b.Unsubscribe(sub)

	b.PublishDefault(TypeToolExecuted, "after unsubscribe")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no delivery after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatsTracksCountsAndRecent(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	b.PublishDefault(TypeToolExecuted, 1)
	b.PublishDefault(TypeToolExecuted, 2)
	b.PublishDefault(TypeNodeRegistered, 3)

	stats := b.Stats()
	if stats.TotalEvents != 3 {
		t.Fatalf("expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.ByType[TypeToolExecuted] != 2 {
		t.Fatalf("expected 2 tool_executed events, got %d", stats.ByType[TypeToolExecuted])
	}
	if len(stats.Recent) != 3 {
		t.Fatalf("expected 3 recent events, got %d", len(stats.Recent))
	}
}

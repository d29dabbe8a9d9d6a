package events

import (
	"testing"
	"time"
)

func TestBrokerPublishBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventOrderSnapshotPushed, Message: "order-1 updated"})

	select {
	case ev := <-sub:
		if ev.Type != EventOrderSnapshotPushed {
			t.Errorf("got type %v, want %v", ev.Type, EventOrderSnapshotPushed)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected Publish to stamp Timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerSubscriberCount(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestBrokerSkipsFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Flood past the per-subscriber buffer; Publish must never block.
	for i := 0; i < 1000; i++ {
		b.Publish(&Event{Type: EventCatalogPushed})
	}
}

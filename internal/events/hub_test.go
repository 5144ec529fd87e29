package events

import (
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeSpawned, map[string]any{"handle": "0@1"})

	ev := <-ch
	if ev.Type != TypeSpawned {
		t.Fatalf("type: got %q", ev.Type)
	}
	if ev.Seq != 1 {
		t.Fatalf("seq: got %d", ev.Seq)
	}
	if string(ev.Data) == "" {
		t.Fatal("empty payload")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	// Publish far beyond the subscriber buffer; this must return.
	for i := 0; i < 1000; i++ {
		h.Publish(TypeExited, nil)
	}
}

func TestSnapshotSince(t *testing.T) {
	h := NewHub(4)
	for i := 0; i < 6; i++ {
		h.Publish(TypeSpawned, nil)
	}

	all := h.SnapshotSince(0)
	if len(all) != 4 {
		t.Fatalf("ring snapshot: got %d events", len(all))
	}
	// Oldest two were overwritten.
	if all[0].Seq != 3 || all[3].Seq != 6 {
		t.Fatalf("ring order: first=%d last=%d", all[0].Seq, all[3].Seq)
	}

	tail := h.SnapshotSince(5)
	if len(tail) != 1 || tail[0].Seq != 6 {
		t.Fatalf("since 5: %+v", tail)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	cancel()
	cancel()
	h.Publish(TypeDropped, nil)
}

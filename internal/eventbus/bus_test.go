package eventbus

import (
	"testing"
	"time"
)

func TestPrefixFiltering(t *testing.T) {
	t.Parallel()
	b := New()
	tasks, unsub := b.Subscribe(4, "task.")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "member.added"})
	b.Publish(Event{Type: "task.finished", Data: 7})

	select {
	case e := <-tasks:
		if e.Type != "task.finished" || e.Data != 7 {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("no task event delivered")
	}
	if len(tasks) != 0 {
		t.Fatal("member event leaked into task subscription")
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

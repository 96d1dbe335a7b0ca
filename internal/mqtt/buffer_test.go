package mqtt

import (
	"fmt"
	"testing"
)

func TestOfflineBufferPreservesOrder(t *testing.T) {
	b := NewOfflineBuffer(10)
	for i := 0; i < 5; i++ {
		b.Enqueue(Message{Topic: fmt.Sprintf("t/%d", i)})
	}

	got := b.Drain()
	if len(got) != 5 {
		t.Fatalf("Drain returned %d messages, want 5", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("t/%d", i); m.Topic != want {
			t.Errorf("message %d topic = %q, want %q", i, m.Topic, want)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", b.Len())
	}
}

func TestOfflineBufferDropsOldestAtCapacity(t *testing.T) {
	b := NewOfflineBuffer(3)
	for i := 0; i < 5; i++ {
		b.Enqueue(Message{Topic: fmt.Sprintf("t/%d", i)})
	}

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}

	got := b.Drain()
	for i, want := range []string{"t/2", "t/3", "t/4"} {
		if got[i].Topic != want {
			t.Errorf("message %d topic = %q, want %q", i, got[i].Topic, want)
		}
	}
}

func TestOfflineBufferDefaultCapacity(t *testing.T) {
	b := NewOfflineBuffer(0)
	for i := 0; i < 1001; i++ {
		b.Enqueue(Message{Topic: "t"})
	}
	if b.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", b.Len())
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", b.Dropped())
	}
}

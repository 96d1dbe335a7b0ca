package mqtt

import (
	"sync"
)

// Message is one buffered outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// OfflineBuffer is a bounded ring of unsent publishes. When the
// publish breaker is open or a publish fails, messages land here and
// are replayed in insertion order on the next successful reconnect.
// On overflow the oldest message is dropped.
type OfflineBuffer struct {
	mu       sync.Mutex
	msgs     []Message
	capacity int
	dropped  int64
}

// NewOfflineBuffer creates a buffer holding at most capacity messages.
// A non-positive capacity falls back to 1000.
func NewOfflineBuffer(capacity int) *OfflineBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &OfflineBuffer{capacity: capacity}
}

// Enqueue appends a message, evicting the oldest when full.
func (b *OfflineBuffer) Enqueue(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) >= b.capacity {
		b.msgs = b.msgs[1:]
		b.dropped++
	}
	b.msgs = append(b.msgs, m)
}

// Drain removes and returns all buffered messages in insertion order.
func (b *OfflineBuffer) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs
	b.msgs = nil
	return out
}

// Len returns the number of buffered messages.
func (b *OfflineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Dropped returns how many messages were evicted by overflow.
func (b *OfflineBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

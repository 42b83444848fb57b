package collaboration

import "regio-portal/internal/models"

// ringBuffer keeps the most recent cap events in arrival order. Not safe for
// concurrent use; callers hold the session lock.
type ringBuffer struct {
	events []models.CollaborationEvent
	start  int // index of the oldest event
	size   int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{events: make([]models.CollaborationEvent, capacity)}
}

// push appends evt, overwriting the oldest event when full.
func (b *ringBuffer) push(evt models.CollaborationEvent) {
	capacity := len(b.events)
	if b.size < capacity {
		b.events[(b.start+b.size)%capacity] = evt
		b.size++
		return
	}
	b.events[b.start] = evt
	b.start = (b.start + 1) % capacity
}

func (b *ringBuffer) len() int { return b.size }

// since returns a copy of the events with Timestamp > ts, oldest first.
func (b *ringBuffer) since(ts int64) []models.CollaborationEvent {
	out := make([]models.CollaborationEvent, 0, b.size)
	for i := 0; i < b.size; i++ {
		evt := b.events[(b.start+i)%len(b.events)]
		if evt.Timestamp > ts {
			out = append(out, evt)
		}
	}
	return out
}

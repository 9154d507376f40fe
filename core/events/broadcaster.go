package events

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Broadcaster delivers emitted events to any number of subscribers. Slow
// subscribers never block the emitter: events that do not fit in a
// subscriber's buffer are dropped and counted.
type Broadcaster struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Event
	buffer  int
	dropped atomic.Uint64
}

// NewBroadcaster constructs a broadcaster whose subscriber channels hold up to
// buffer pending events. Non-positive values select a default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function releases
// the subscription and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded because a subscriber buffer
// was full.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

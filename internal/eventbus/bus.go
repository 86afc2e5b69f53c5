package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory change signal.
//
// Contract:
//   - Publish never blocks.
//   - Each subscriber owns a bounded buffered channel.
//   - A slow subscriber loses events instead of stalling publishers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats is a best-effort view of the bus, used for metrics.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// MemBus is a fanout bus without background goroutines.
type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to every current subscriber whose queue has room.
//
// Sends happen under the read lock; unsubscribe closes channels under the
// write lock, so a send can never race a close.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *MemBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

package scheduler

import (
	"container/heap"
	"time"
)

// queueEntry is a (due time, trigger) pair. Entries are never updated in
// place: a trigger whose next run changes pushes a new entry and the old one
// is discarded when popped because its generation no longer matches.
type queueEntry struct {
	at   time.Time
	trig *Trigger
	gen  uint64
}

type triggerHeap []queueEntry

func (h triggerHeap) Len() int           { return len(h) }
func (h triggerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h triggerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *triggerHeap) Push(x any)        { *h = append(*h, x.(queueEntry)) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*h = old[:n-1]
	return e
}

func (f *Factory) enqueue(e queueEntry) {
	f.qmu.Lock()
	heap.Push(&f.queue, e)
	f.qmu.Unlock()
	f.signal()
}

// popDue removes every entry due at or before now.
func (f *Factory) popDue(now time.Time) []queueEntry {
	f.qmu.Lock()
	defer f.qmu.Unlock()
	var due []queueEntry
	for f.queue.Len() > 0 && !f.queue[0].at.After(now) {
		due = append(due, heap.Pop(&f.queue).(queueEntry))
	}
	return due
}

// nextDue reports the earliest queued instant.
func (f *Factory) nextDue() (time.Time, bool) {
	f.qmu.Lock()
	defer f.qmu.Unlock()
	if f.queue.Len() == 0 {
		return time.Time{}, false
	}
	return f.queue[0].at, true
}

func (f *Factory) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

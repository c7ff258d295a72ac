package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timerQueue multiplexes all command deadlines onto one goroutine and
// one runtime timer. A gateway tracking thousands of in-flight
// commands would otherwise hold one OS timer per command.
type timerQueue struct {
	mu      sync.Mutex
	entries timerHeap
	live    map[uuid.UUID]struct{}
	wake    chan struct{}
	fire    func(id uuid.UUID)
}

type timerEntry struct {
	id uuid.UUID
	at time.Time
}

func newTimerQueue(fire func(id uuid.UUID)) *timerQueue {
	return &timerQueue{
		live: make(map[uuid.UUID]struct{}),
		wake: make(chan struct{}, 1),
		fire: fire,
	}
}

// Schedule arms or re-arms the deadline for id. Re-arming supersedes
// any earlier deadline; stale heap entries are dropped lazily when they
// surface.
func (q *timerQueue) Schedule(id uuid.UUID, at time.Time) {
	q.mu.Lock()
	q.live[id] = struct{}{}
	heap.Push(&q.entries, timerEntry{id: id, at: at})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel disarms the deadline for id. The heap entry stays behind and
// is discarded when it reaches the front.
func (q *timerQueue) Cancel(id uuid.UUID) {
	q.mu.Lock()
	delete(q.live, id)
	q.mu.Unlock()
}

// Run dispatches deadlines until done is closed. Fire callbacks run on
// this goroutine, so they must not block on the queue itself.
func (q *timerQueue) Run(done <-chan struct{}) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var due []uuid.UUID
		next := q.collect(&due)

		for _, id := range due {
			q.fire(id)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-done:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// collect pops everything due, appends the live ones to out, and
// returns how long to sleep until the next deadline.
func (q *timerQueue) collect(out *[]uuid.UUID) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for q.entries.Len() > 0 {
		head := q.entries[0]
		if _, ok := q.live[head.id]; !ok {
			heap.Pop(&q.entries)
			continue
		}
		if head.at.After(now) {
			return head.at.Sub(now)
		}
		heap.Pop(&q.entries)
		delete(q.live, head.id)
		*out = append(*out, head.id)
	}
	return time.Hour
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

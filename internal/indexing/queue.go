package indexing

import (
	"container/heap"
	"time"
)

// item is a queued task plus its bookkeeping.
type item struct {
	id         string
	task       Task
	seq        uint64
	enqueuedAt time.Time
	// existed is set when a committed version predates this item.
	existed bool
	waiters []*Ticket
	index   int
}

// taskHeap orders by priority, then arrival.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is a per-worker priority queue with one pending item per key.
// Not safe for concurrent use; the owning worker's mutex guards it.
type queue struct {
	heap    taskHeap
	pending map[string]*item
	byPrio  [PriorityUser + 1]int
	// oldestAt is the earliest enqueue time of a queued item.
	oldestAt time.Time
}

func newQueue() *queue {
	return &queue{pending: make(map[string]*item)}
}

func (q *queue) len() int { return q.heap.Len() }

func (q *queue) push(it *item) {
	heap.Push(&q.heap, it)
	q.pending[it.task.key()] = it
	q.byPrio[it.task.Priority]++
	if q.oldestAt.IsZero() || it.enqueuedAt.Before(q.oldestAt) {
		q.oldestAt = it.enqueuedAt
	}
}

func (q *queue) get(key string) (*item, bool) {
	it, ok := q.pending[key]
	return it, ok
}

// merge replaces a pending item's content with a newer task for the same key.
// The newest content wins; the item keeps its place unless the priority rises.
func (q *queue) merge(it *item, t Task, waiter *Ticket) {
	q.byPrio[it.task.Priority]--
	prio := max(it.task.Priority, t.Priority)
	it.task = t
	it.task.Priority = prio
	it.waiters = append(it.waiters, waiter)
	q.byPrio[prio]++
	heap.Fix(&q.heap, it.index)
}

// take removes up to n items in priority order.
func (q *queue) take(n int) []*item {
	var out []*item
	for len(out) < n && q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		delete(q.pending, it.task.key())
		q.byPrio[it.task.Priority]--
		out = append(out, it)
	}
	q.oldestAt = time.Time{}
	for _, it := range q.heap {
		if q.oldestAt.IsZero() || it.enqueuedAt.Before(q.oldestAt) {
			q.oldestAt = it.enqueuedAt
		}
	}
	return out
}

// hasUser reports whether a user-priority item is waiting.
func (q *queue) hasUser() bool { return q.byPrio[PriorityUser] > 0 }

// Package ready implements the priority-ordered ready queue (C7, §4.6/§8):
// admission of pips whose refcount has reached zero, ordered by the
// critical-path-informed priority packed by pip.EncodePriority.
package ready

import (
	"container/heap"
	"sync"

	"github.com/pipforge/pipforge/pkg/pip"
)

// item is one entry of the internal priority heap.
type item struct {
	id       pip.ID
	priority int32
	seq      uint64 // admission order, used to break priority ties FIFO
}

// priorityHeap orders items by descending priority, then by admission
// order, implementing container/heap.Interface.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	popped := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return popped
}

// Queue is the concurrency-safe ready queue: Admit pushes a pip that just
// reached refcount zero (or was seeded as a graph root); Take pops the
// highest-priority admitted pip, blocking (via cond) until one is
// available or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   priorityHeap
	nextSeq uint64
	closed bool
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Admit enqueues id at the given priority (typically
// pip.EncodePriority(userPriority, criticalPathDurationMs), computed once
// at admission per §5 Ordering guarantees).
func (q *Queue) Admit(id pip.ID, priority int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, &item{id: id, priority: priority, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
}

// Take blocks until a pip is available, the queue is closed, or
// additional draining is impossible, returning (id, true) or (0, false)
// once closed with nothing left to drain.
func (q *Queue) Take() (pip.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return 0, false
	}
	popped := heap.Pop(&q.heap).(*item)
	return popped.id, true
}

// TryTake pops a pip if one is immediately available, without blocking.
func (q *Queue) TryTake() (pip.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	popped := heap.Pop(&q.heap).(*item)
	return popped.id, true
}

// Len reports the number of pips currently admitted but not yet taken.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close marks the queue closed; blocked and future Take calls return
// (0, false) once drained. Used on schedule-terminating (§5 Cancellation
// level 2).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// RefcountAdmitter bridges a pip.Table's DecrementRefcount signal to Queue
// admission: call Decrement whenever a heavy producer completes, and the
// admitter enqueues the dependent at the given priority exactly once, the
// instant its refcount reaches zero (§4.1 "the decrementing thread is the
// scheduler of that pip").
type RefcountAdmitter struct {
	Queue *Queue
}

// Decrement decrements info's refcount and, if this call drove it to zero,
// admits id into the queue at priority.
func (a *RefcountAdmitter) Decrement(id pip.ID, info *pip.RuntimeInfo, priority int32) {
	if info.DecrementRefcount() {
		a.Queue.Admit(id, priority)
	}
}

// Package priorityqueue implements foreman's P0-aware scheduling queue:
// two logical heaps (P0 and non-P0), each ordered by (priority tier,
// enqueue sequence) so same-tier issues dispatch FIFO.
package priorityqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/odvcencio/foreman/pkg/issue"
)

const p0Tier = 0

// item wraps an issue with its enqueue sequence for FIFO tie-breaking.
type item struct {
	issue *issue.Issue
	seq   int64
}

// innerHeap orders items by (priority tier ascending, seq ascending).
type innerHeap []*item

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].issue.Priority != h[j].issue.Priority {
		return h[i].issue.Priority < h[j].issue.Priority
	}
	return h[i].seq < h[j].seq
}
func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a P0-aware priority queue. Callers treat P0 and non-P0 as
// two logical queues: Get only returns a non-P0 item once the P0
// backlog (queued and in-flight) is drained.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	p0       innerHeap
	rest     innerHeap
	seq      int64
	p0InFlight int
	restInFlight int

	completed map[string]bool
	failed    map[string]bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.p0)
	heap.Init(&q.rest)
	return q
}

// Add enqueues a single issue.
func (q *Queue) Add(iss *issue.Issue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(iss)
	q.cond.Broadcast()
}

// AddMany enqueues a batch of issues and returns the count added.
func (q *Queue) AddMany(issues []*issue.Issue) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, iss := range issues {
		q.push(iss)
	}
	q.cond.Broadcast()
	return len(issues)
}

func (q *Queue) push(iss *issue.Issue) {
	q.seq++
	it := &item{issue: iss, seq: q.seq}
	if iss.Priority == p0Tier {
		heap.Push(&q.p0, it)
	} else {
		heap.Push(&q.rest, it)
	}
}

// Get returns the next eligible issue, blocking up to timeout if
// blocking is true and the queue is currently empty or P0-gated. It
// returns (nil, false) on timeout or, when blocking is false, on an
// empty/gated queue.
func (q *Queue) Get(blocking bool, timeout time.Duration) (*issue.Issue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if iss, ok := q.tryPop(); ok {
			return iss, true
		}
		if !blocking {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		q.waitOrTimeout(remaining)
		if time.Now().After(deadline) {
			if iss, ok := q.tryPop(); ok {
				return iss, true
			}
			return nil, false
		}
	}
}

// waitOrTimeout blocks on the condition variable for up to d, waking
// early on Broadcast from Add/MarkCompleted/MarkFailed, or on its own
// timer firing once d elapses. Caller must hold q.mu.
func (q *Queue) waitOrTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.cond.Wait()
}

// tryPop returns the next dispatchable issue without blocking, honoring
// the P0-drain-before-parallel rule: non-P0 issues are withheld while
// any P0 item is queued or in flight.
func (q *Queue) tryPop() (*issue.Issue, bool) {
	if q.p0.Len() > 0 {
		it := heap.Pop(&q.p0).(*item)
		q.p0InFlight++
		return it.issue, true
	}
	if q.p0InFlight > 0 {
		return nil, false
	}
	if q.rest.Len() > 0 {
		it := heap.Pop(&q.rest).(*item)
		q.restInFlight++
		return it.issue, true
	}
	return nil, false
}

// MarkCompleted records id as finished, releasing any P0 gate it held.
func (q *Queue) MarkCompleted(iss *issue.Issue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(iss)
	q.completed[iss.ID] = true
	q.cond.Broadcast()
}

// MarkFailed records id as failed, releasing any P0 gate it held.
func (q *Queue) MarkFailed(iss *issue.Issue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(iss)
	q.failed[iss.ID] = true
	q.cond.Broadcast()
}

func (q *Queue) release(iss *issue.Issue) {
	if iss.Priority == p0Tier {
		if q.p0InFlight > 0 {
			q.p0InFlight--
		}
	} else {
		if q.restInFlight > 0 {
			q.restInFlight--
		}
	}
}

// P0Count returns the number of P0 issues queued or in flight.
func (q *Queue) P0Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.p0.Len() + q.p0InFlight
}

// ParallelCount returns the number of non-P0 issues queued or in flight.
func (q *Queue) ParallelCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rest.Len() + q.restInFlight
}

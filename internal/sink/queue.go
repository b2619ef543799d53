package sink

import "sync"

// DropPolicy decides which record loses when a bounded queue is full.
type DropPolicy int

const (
	// DropOldest evicts the head to admit the new record. Viewer sinks
	// use this: recency matters more than completeness.
	DropOldest DropPolicy = iota
	// DropNewest refuses the incoming record. The file sink uses this
	// to bias toward completeness of what it already holds.
	DropNewest
)

// recordQueue is a bounded multi-producer single-consumer FIFO. Routing
// deliveries for different topics enqueue concurrently; only the
// owning sink's drain goroutine dequeues.
type recordQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []Record
	head    int
	size    int
	cap     int
	policy  DropPolicy
	dropped uint64
	closed  bool
}

func newRecordQueue(capacity int, policy DropPolicy) *recordQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &recordQueue{
		records: make([]Record, capacity),
		cap:     capacity,
		policy:  policy,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push offers a record. Returns false if the record was dropped (full
// queue under DropNewest, or an eviction under DropOldest counts the
// evicted record) or the queue is closed.
func (q *recordQueue) push(rec Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.size == q.cap {
		q.dropped++
		if q.policy == DropNewest {
			return false
		}
		// Evict the head, admit the tail.
		q.head = (q.head + 1) % q.cap
		q.size--
	}

	q.records[(q.head+q.size)%q.cap] = rec
	q.size++
	q.cond.Signal()
	return true
}

// pop blocks until a record is available or the queue closes. The
// second return is false once the queue is closed and drained.
func (q *recordQueue) pop() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		return Record{}, false
	}

	rec := q.records[q.head]
	q.records[q.head] = Record{}
	q.head = (q.head + 1) % q.cap
	q.size--
	return rec, true
}

// tryPop dequeues without blocking. The second return is false when
// the queue is currently empty.
func (q *recordQueue) tryPop() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Record{}, false
	}

	rec := q.records[q.head]
	q.records[q.head] = Record{}
	q.head = (q.head + 1) % q.cap
	q.size--
	return rec, true
}

func (q *recordQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *recordQueue) stats() (queued int, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, q.dropped
}

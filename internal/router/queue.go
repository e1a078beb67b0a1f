package router

import (
	"sync"
	"sync/atomic"
)

// OverflowPolicy defines queue behavior when full.
type OverflowPolicy uint8

const (
	// OverflowDrop drops the incoming payload if the queue is full.
	// Required wherever one slow peer must not stall the firehose.
	OverflowDrop OverflowPolicy = iota
	// OverflowBlock blocks the broadcaster until space is available.
	// Acceptable only for in-process fan-out to known-healthy consumers.
	OverflowBlock
	// OverflowDropOldest drops the oldest queued payload to make room.
	OverflowDropOldest
)

// Queue is a bounded ring buffer of outbound payloads with an explicit
// overflow policy and a drop counter. Drops are never silent.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      [][]byte
	head     int
	tail     int
	size     int
	closed   bool
	policy   OverflowPolicy

	dropped uint64
}

// NewQueue creates a bounded queue.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		buf:    make([][]byte, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a payload according to the overflow policy. Reports
// whether the payload was queued and how many payloads overflow cost:
// the incoming one under OverflowDrop, evicted ones under
// OverflowDropOldest.
func (q *Queue) Push(payload []byte) (queued bool, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return false, dropped
		}
		if q.size < len(q.buf) {
			q.buf[q.tail] = payload
			q.tail = (q.tail + 1) % len(q.buf)
			q.size++
			q.notEmpty.Signal()
			return true, dropped
		}
		switch q.policy {
		case OverflowBlock:
			q.notFull.Wait()
		case OverflowDropOldest:
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			atomic.AddUint64(&q.dropped, 1)
			dropped++
		default:
			atomic.AddUint64(&q.dropped, 1)
			return false, dropped + 1
		}
	}
}

// Pop dequeues the next payload, blocking until available or closed.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.size > 0 {
			payload := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.notFull.Signal()
			return payload, true
		}
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

// Close unblocks producers and consumers and discards queued payloads.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.size = 0
	q.head = 0
	q.tail = 0
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	size := q.size
	q.mu.Unlock()
	return size
}

// Dropped returns the total payloads dropped by overflow.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

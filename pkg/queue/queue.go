package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// DefaultPollInterval is how often a blocked Enqueue re-checks for capacity.
const DefaultPollInterval = 200 * time.Millisecond

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name          string
	Depth         int
	Capacity      int
	Closed        bool
	TotalEnqueued int64
	TotalDequeued int64
	LastUpdate    time.Time
	Consumer      string
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the queue. Zero means unbounded.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithPollInterval sets how often a blocked Enqueue re-checks for capacity.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithMetrics records queue activity under the given workflow label.
func WithMetrics(registry *metrics.Registry, workflow string) Option {
	return func(q *Queue) {
		q.metrics = registry
		q.workflow = workflow
	}
}

// Queue is a named, closable FIFO of opaque items.
//
// All methods are safe for concurrent use. Enqueue on a bounded queue waits
// for capacity by polling; Dequeue never blocks.
type Queue struct {
	name         string
	pollInterval time.Duration

	mu       sync.Mutex
	items    []interface{}
	capacity int
	consumer string

	closed        atomic.Bool
	totalEnqueued atomic.Int64
	totalDequeued atomic.Int64
	lastUpdate    atomic.Int64

	metrics  *metrics.Registry
	workflow string
}

// New creates an open, unbounded queue unless options say otherwise.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:         name,
		pollInterval: DefaultPollInterval,
		items:        make([]interface{}, 0),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.touch()
	return q
}

// Name returns the queue name as it was first referenced.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends item, waiting for capacity if the queue is bounded and full.
// It reports whether the item was accepted; items offered to a closed queue,
// or to a queue that closes while the caller waits, are dropped silently.
func (q *Queue) Enqueue(item interface{}) bool {
	ok, _ := q.EnqueueContext(context.Background(), item)
	return ok
}

// EnqueueContext is Enqueue with a cancelable wait. A canceled context aborts
// the wait and returns ctx.Err(); the item is not enqueued.
func (q *Queue) EnqueueContext(ctx context.Context, item interface{}) (bool, error) {
	if q.closed.Load() {
		return false, nil
	}

	if q.tryAppend(item) {
		return true, nil
	}
	if q.closed.Load() {
		return false, nil
	}

	q.recordBackpressure()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		if q.closed.Load() {
			return false, nil
		}
		if q.tryAppend(item) {
			return true, nil
		}
	}
}

// tryAppend appends item if the queue is open and has room.
func (q *Queue) tryAppend(item interface{}) bool {
	q.mu.Lock()
	if q.closed.Load() || (q.capacity > 0 && len(q.items) >= q.capacity) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	q.totalEnqueued.Add(1)
	q.mu.Unlock()

	q.touch()
	if q.metrics != nil {
		q.metrics.QueueEnqueued.WithLabelValues(q.workflow, q.name).Inc()
		q.metrics.QueueDepth.WithLabelValues(q.workflow, q.name).Set(float64(depth))
	}
	return true
}

// EnqueueBulk enqueues items in order and returns how many were accepted.
// It stops at the first item refused because the queue closed.
func (q *Queue) EnqueueBulk(items []interface{}) int {
	accepted := 0
	for _, item := range items {
		if !q.Enqueue(item) {
			break
		}
		accepted++
	}
	return accepted
}

// Dequeue removes and returns the oldest item. It never blocks.
func (q *Queue) Dequeue() (interface{}, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	depth := len(q.items)
	q.totalDequeued.Add(1)
	q.mu.Unlock()

	q.touch()
	if q.metrics != nil {
		q.metrics.QueueDequeued.WithLabelValues(q.workflow, q.name).Inc()
		q.metrics.QueueDepth.WithLabelValues(q.workflow, q.name).Set(float64(depth))
	}
	return item, true
}

// Peek returns the oldest item without removing it.
func (q *Queue) Peek() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Close marks the queue closed. Buffered items stay available to Dequeue.
// Calling Close more than once has no further effect.
func (q *Queue) Close() {
	// Taking the lock orders Close after any append already in progress, so a
	// reader that sees closed also sees the final TotalEnqueued.
	q.mu.Lock()
	swapped := q.closed.CompareAndSwap(false, true)
	q.mu.Unlock()
	if !swapped {
		return
	}
	q.touch()
	if q.metrics != nil {
		q.metrics.QueueClosed.WithLabelValues(q.workflow, q.name).Set(1)
	}
}

// Clear drops every buffered item. The closed flag and counters are untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = make([]interface{}, 0)
	q.mu.Unlock()

	q.touch()
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(q.workflow, q.name).Set(0)
	}
}

// IsClosed reports whether Close has been called.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the bound, or 0 when unbounded.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// SetCapacity changes the bound. Zero or a negative value removes it.
// Shrinking below the current depth drops nothing; producers wait until
// consumers drain below the new bound.
func (q *Queue) SetCapacity(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
}

// TotalEnqueued returns the number of items ever accepted.
func (q *Queue) TotalEnqueued() int64 {
	return q.totalEnqueued.Load()
}

// TotalDequeued returns the number of items ever removed by Dequeue.
func (q *Queue) TotalDequeued() int64 {
	return q.totalDequeued.Load()
}

// LastUpdate returns when the queue last changed.
func (q *Queue) LastUpdate() time.Time {
	return time.Unix(0, q.lastUpdate.Load())
}

// Claim registers consumer as the only reader of this queue.
// Claiming again with the same name is a no-op.
func (q *Queue) Claim(consumer string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer != "" && q.consumer != consumer {
		return gferrors.NewOperationError("queue", "Claim", gferrors.ErrQueueClaimed).
			WithContext("queue " + q.name + " is consumed by " + q.consumer)
	}
	q.consumer = consumer
	return nil
}

// Release drops the claim held by consumer.
func (q *Queue) Release(consumer string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer == consumer {
		q.consumer = ""
	}
}

// Consumer returns the claiming consumer, if any.
func (q *Queue) Consumer() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumer
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.items)
	capacity := q.capacity
	consumer := q.consumer
	q.mu.Unlock()

	return Stats{
		Name:          q.name,
		Depth:         depth,
		Capacity:      capacity,
		Closed:        q.closed.Load(),
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalDequeued: q.totalDequeued.Load(),
		LastUpdate:    q.LastUpdate(),
		Consumer:      consumer,
	}
}

func (q *Queue) touch() {
	q.lastUpdate.Store(time.Now().UnixNano())
}

func (q *Queue) recordBackpressure() {
	if q.metrics != nil {
		q.metrics.BackpressureEvents.WithLabelValues(q.workflow, q.name).Inc()
	}
}

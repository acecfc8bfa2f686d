package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/stageflow/internal/testutil"
	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

const fastPoll = 5 * time.Millisecond

func TestNew(t *testing.T) {
	q := New("Input")

	testutil.AssertEqual(t, q.Name(), "Input")
	testutil.AssertEqual(t, q.Len(), 0)
	testutil.AssertEqual(t, q.Capacity(), 0)
	testutil.AssertEqual(t, q.IsClosed(), false)
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(0))

	if q.LastUpdate().IsZero() {
		t.Error("expected LastUpdate to be set at creation")
	}
}

func TestFIFO(t *testing.T) {
	q := New("fifo")

	for i := 0; i < 5; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d refused", i)
		}
	}

	for i := 0; i < 5; i++ {
		item, ok := q.Dequeue()
		testutil.AssertEqual(t, ok, true)
		testutil.AssertEqual(t, item.(int), i)
	}

	_, ok := q.Dequeue()
	testutil.AssertEqual(t, ok, false)
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(5))
	testutil.AssertEqual(t, q.TotalDequeued(), int64(5))
}

func TestPeek(t *testing.T) {
	q := New("peek")

	_, ok := q.Peek()
	testutil.AssertEqual(t, ok, false)

	q.Enqueue("a")
	q.Enqueue("b")

	item, ok := q.Peek()
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, item.(string), "a")
	testutil.AssertEqual(t, q.Len(), 2)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New("closed")
	q.Enqueue(1)
	q.Close()

	testutil.AssertEqual(t, q.Enqueue(2), false)
	testutil.AssertEqual(t, q.Len(), 1)
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(1))

	// Buffered items survive close.
	item, ok := q.Dequeue()
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, item.(int), 1)
}

func TestCloseIdempotent(t *testing.T) {
	q := New("idempotent")
	q.Close()
	q.Close()
	testutil.AssertEqual(t, q.IsClosed(), true)
}

func TestClear(t *testing.T) {
	q := New("clear")
	q.Enqueue(1)
	q.Enqueue(2)
	q.Close()
	q.Clear()

	testutil.AssertEqual(t, q.Len(), 0)
	testutil.AssertEqual(t, q.IsClosed(), true)
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(2))
}

func TestBackpressure(t *testing.T) {
	q := New("bounded", WithCapacity(2), WithPollInterval(fastPoll))

	q.Enqueue(1)
	q.Enqueue(2)

	var accepted atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		accepted.Store(q.Enqueue(3))
	}()

	time.Sleep(50 * time.Millisecond)
	testutil.AssertEqual(t, q.Len(), 2)
	select {
	case <-done:
		t.Fatal("enqueue on a full queue should wait")
	default:
	}

	q.Dequeue()

	select {
	case <-done:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("blocked enqueue never completed")
	}

	testutil.AssertEqual(t, accepted.Load(), true)
	testutil.AssertEqual(t, q.Len(), 2)
}

func TestBackpressureNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	q := New("bounded", WithCapacity(capacity), WithPollInterval(time.Millisecond))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				q.Enqueue(p*100 + i)
			}
		}(p)
	}

	var maxDepth int
	received := 0
	deadline := time.After(testutil.TestTimeout)
	for received < 100 {
		if depth := q.Len(); depth > maxDepth {
			maxDepth = depth
		}
		if _, ok := q.Dequeue(); ok {
			received++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("received %d of 100 items", received)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	if maxDepth > capacity {
		t.Errorf("depth reached %d, capacity is %d", maxDepth, capacity)
	}
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(100))
}

func TestBlockedEnqueueDroppedOnClose(t *testing.T) {
	q := New("bounded", WithCapacity(1), WithPollInterval(fastPoll))
	q.Enqueue(1)

	result := make(chan bool, 1)
	go func() {
		result <- q.Enqueue(2)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		testutil.AssertEqual(t, ok, false)
	case <-time.After(testutil.TestTimeout):
		t.Fatal("blocked enqueue did not return after close")
	}
	testutil.AssertEqual(t, q.Len(), 1)
	testutil.AssertEqual(t, q.TotalEnqueued(), int64(1))
}

func TestEnqueueContextCanceled(t *testing.T) {
	q := New("bounded", WithCapacity(1), WithPollInterval(fastPoll))
	q.Enqueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ok, err := q.EnqueueContext(ctx, 2)
	testutil.AssertEqual(t, ok, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	testutil.AssertEqual(t, q.Len(), 1)
}

func TestEnqueueBulk(t *testing.T) {
	q := New("bulk")

	n := q.EnqueueBulk([]interface{}{"a", "b", "c"})
	testutil.AssertEqual(t, n, 3)

	q.Close()
	n = q.EnqueueBulk([]interface{}{"d"})
	testutil.AssertEqual(t, n, 0)
	testutil.AssertEqual(t, q.Len(), 3)
}

func TestSetCapacity(t *testing.T) {
	q := New("resize", WithCapacity(1), WithPollInterval(fastPoll))
	q.Enqueue(1)

	q.SetCapacity(2)
	testutil.AssertEqual(t, q.Capacity(), 2)

	done := make(chan bool, 1)
	go func() { done <- q.Enqueue(2) }()
	select {
	case ok := <-done:
		testutil.AssertEqual(t, ok, true)
	case <-time.After(testutil.TestTimeout):
		t.Fatal("enqueue should not wait after growing capacity")
	}

	q.SetCapacity(-5)
	testutil.AssertEqual(t, q.Capacity(), 0)
}

func TestClaim(t *testing.T) {
	q := New("claimed")

	testutil.AssertNoError(t, q.Claim("parse"))
	testutil.AssertNoError(t, q.Claim("parse"))
	testutil.AssertEqual(t, q.Consumer(), "parse")

	err := q.Claim("index")
	testutil.AssertError(t, err)
	if !errors.Is(err, gferrors.ErrQueueClaimed) {
		t.Errorf("expected ErrQueueClaimed, got %v", err)
	}

	q.Release("index")
	testutil.AssertEqual(t, q.Consumer(), "parse")

	q.Release("parse")
	testutil.AssertNoError(t, q.Claim("index"))
}

func TestStats(t *testing.T) {
	q := New("stats", WithCapacity(10))
	q.Enqueue(1)
	q.Enqueue(2)
	q.Dequeue()
	_ = q.Claim("consumer")
	q.Close()

	s := q.Stats()
	testutil.AssertEqual(t, s.Name, "stats")
	testutil.AssertEqual(t, s.Depth, 1)
	testutil.AssertEqual(t, s.Capacity, 10)
	testutil.AssertEqual(t, s.Closed, true)
	testutil.AssertEqual(t, s.TotalEnqueued, int64(2))
	testutil.AssertEqual(t, s.TotalDequeued, int64(1))
	testutil.AssertEqual(t, s.Consumer, "consumer")
}

func TestCloseOrdersAfterPendingAppends(t *testing.T) {
	q := New("race")

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(i)
			}
		}()
	}

	time.Sleep(time.Millisecond)
	q.Close()
	seen := q.TotalEnqueued()
	wg.Wait()

	testutil.AssertEqual(t, q.TotalEnqueued(), seen)
	testutil.AssertEqual(t, int64(q.Len()), seen)
}

func TestMetrics(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	q := New("measured", WithCapacity(1), WithPollInterval(fastPoll), WithMetrics(reg, "wf"))

	q.Enqueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _ = q.EnqueueContext(ctx, 2)

	q.Dequeue()
	q.Close()

	testutil.AssertEqual(t, promtest.ToFloat64(reg.QueueEnqueued.WithLabelValues("wf", "measured")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.QueueDequeued.WithLabelValues("wf", "measured")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.BackpressureEvents.WithLabelValues("wf", "measured")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.QueueDepth.WithLabelValues("wf", "measured")), 0.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.QueueClosed.WithLabelValues("wf", "measured")), 1.0)
}

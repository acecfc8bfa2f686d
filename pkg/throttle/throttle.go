package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	gfcontext "github.com/vnykmshr/stageflow/pkg/common/context"
	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// DefaultPollInterval is how often a waiting GetSlot re-checks for a free slot.
const DefaultPollInterval = 50 * time.Millisecond

// Slotter hands out execution slots. Stages wait on a Slotter before each item.
type Slotter interface {
	// GetSlotContext blocks until a slot is granted or ctx is done.
	GetSlotContext(ctx context.Context) error
}

// Clock provides the current time. Tests substitute a mock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces the wall clock used to stamp and expire slots.
func WithClock(clock Clock) Option {
	return func(t *Throttle) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithPollInterval sets how often a blocked GetSlot re-checks.
func WithPollInterval(d time.Duration) Option {
	return func(t *Throttle) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithMetrics records grants, timeouts and wait time under name.
func WithMetrics(registry *metrics.Registry, name string) Option {
	return func(t *Throttle) {
		t.metrics = registry
		t.name = name
	}
}

// Throttle is a rolling-window limiter: at most limit slots are handed out in
// any interval. Slots are kept oldest first and expire interval after they
// were granted, so bursts are smoothed instead of resetting at a boundary.
type Throttle struct {
	limit        int
	interval     time.Duration
	pollInterval time.Duration
	clock        Clock

	mu    sync.Mutex
	slots []time.Time

	metrics *metrics.Registry
	name    string
}

// New creates a throttle granting limit slots per interval.
func New(limit int, interval time.Duration, opts ...Option) (*Throttle, error) {
	if err := validation.ValidatePositive("throttle", "limit", limit); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration("throttle", "interval", interval); err != nil {
		return nil, err
	}

	t := &Throttle{
		limit:        limit,
		interval:     interval,
		pollInterval: DefaultPollInterval,
		clock:        systemClock{},
		slots:        make([]time.Time, 0, limit),
		name:         "throttle",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustNew is New that panics on invalid arguments.
func MustNew(limit int, interval time.Duration, opts ...Option) *Throttle {
	t, err := New(limit, interval, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// TryGetSlot grants a slot if one is free right now.
func (t *Throttle) TryGetSlot() bool {
	t.mu.Lock()
	now := t.clock.Now()
	t.purgeLocked(now)

	if len(t.slots) >= t.limit {
		t.mu.Unlock()
		return false
	}
	t.slots = append(t.slots, now)
	inUse := len(t.slots)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ThrottleGranted.WithLabelValues(t.name).Inc()
		t.metrics.ThrottleInUse.WithLabelValues(t.name).Set(float64(inUse))
	}
	return true
}

// GetSlot waits for a slot. A zero timeout waits forever; otherwise a
// *errors.TimeoutError is returned once timeout elapses without a grant.
func (t *Throttle) GetSlot(timeout time.Duration) error {
	ctx, cancel := gfcontext.WithTimeoutOrCancel(context.Background(), timeout)
	defer cancel()

	err := t.GetSlotContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &gferrors.TimeoutError{Operation: "throttle.GetSlot", Timeout: timeout}
	}
	return err
}

// GetSlotContext waits for a slot until ctx is done.
func (t *Throttle) GetSlotContext(ctx context.Context) error {
	if t.TryGetSlot() {
		return nil
	}

	start := time.Now()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.metrics != nil && gfcontext.IsTimedOut(ctx) {
				t.metrics.ThrottleTimeouts.WithLabelValues(t.name).Inc()
			}
			return ctx.Err()
		case <-ticker.C:
		}

		if t.TryGetSlot() {
			if t.metrics != nil {
				t.metrics.ThrottleWaitTime.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
			}
			return nil
		}
	}
}

// Purge evicts expired slots and returns how many were removed.
func (t *Throttle) Purge() int {
	t.mu.Lock()
	removed := t.purgeLocked(t.clock.Now())
	inUse := len(t.slots)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ThrottleInUse.WithLabelValues(t.name).Set(float64(inUse))
	}
	return removed
}

// purgeLocked drops slots granted more than interval before now.
// Slots are chronological, so it stops at the first live one.
func (t *Throttle) purgeLocked(now time.Time) int {
	n := 0
	for n < len(t.slots) && t.slots[n].Add(t.interval).Before(now) {
		n++
	}
	if n > 0 {
		t.slots = append(t.slots[:0], t.slots[n:]...)
	}
	return n
}

// InUse returns the number of slots granted within the current window.
func (t *Throttle) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked(t.clock.Now())
	return len(t.slots)
}

// Limit returns the number of slots per interval.
func (t *Throttle) Limit() int {
	return t.limit
}

// Interval returns the window length.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

var _ Slotter = (*Throttle)(nil)

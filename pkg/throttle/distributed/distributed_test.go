package distributed

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/throttle"
)

var _ throttle.Slotter = (*Throttle)(nil)

func TestNewValidation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer func() { _ = rdb.Close() }()

	tests := []struct {
		name   string
		config Config
		field  string
	}{
		{"missing redis", Config{Key: "k", Limit: 1, Interval: time.Second}, "redis"},
		{"missing key", Config{Redis: rdb, Limit: 1, Interval: time.Second}, "key"},
		{"zero limit", Config{Redis: rdb, Key: "k", Interval: time.Second}, "limit"},
		{"zero interval", Config{Redis: rdb, Key: "k", Limit: 1}, "interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := New(tt.config)
			require.Error(t, err)
			assert.Nil(t, th)
			assert.True(t, gferrors.IsValidationError(err))

			var ve *gferrors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer func() { _ = rdb.Close() }()

	th, err := New(Config{Redis: rdb, Key: "k", Limit: 2, Interval: time.Second})
	require.NoError(t, err)

	assert.NotEmpty(t, th.InstanceID())
	assert.Equal(t, 500*time.Millisecond, th.config.RedisTimeout)
	assert.Equal(t, 50*time.Millisecond, th.config.PollInterval)
	assert.Equal(t, time.Hour, th.config.KeyTTL)
	assert.Equal(t, "k:slots", th.keys.slots)
}

func TestGenerateInstanceIDUnique(t *testing.T) {
	a, b := generateInstanceID(), generateInstanceID()
	assert.NotEqual(t, a, b)
}

func TestRedisUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer func() { _ = rdb.Close() }()

	th, err := New(Config{Redis: rdb, Key: "k", Limit: 1, Interval: time.Second, RedisTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	ok, err := th.TryGetSlot(context.Background())
	assert.False(t, ok)
	require.Error(t, err)

	var opErr *gferrors.OperationError
	assert.True(t, errors.As(err, &opErr))
}

func TestRedisRefusedEndsWait(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = rdb.Close() }()

	th, err := New(Config{Redis: rdb, Key: "k", Limit: 1, Interval: time.Second, RedisTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = th.GetSlotContext(ctx)
	require.Error(t, err)
	assert.False(t, gferrors.IsRetryable(err))
	assert.NoError(t, ctx.Err(), "a refused connection must not be retried until the deadline")
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

var _ net.Error = timeoutNetError{}

func TestAcquireErrorClassification(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer func() { _ = rdb.Close() }()

	th, err := New(Config{Redis: rdb, Key: "k", Limit: 1, Interval: time.Second})
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		err       error
		retryable bool
	}{
		{"round trip deadline", context.Background(), context.DeadlineExceeded, true},
		{"network timeout", context.Background(), timeoutNetError{}, true},
		{"caller gave up", canceled, context.DeadlineExceeded, false},
		{"script error", context.Background(), errors.New("ERR Error running script"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := th.acquireError(tt.ctx, tt.err)

			var opErr *gferrors.OperationError
			require.True(t, errors.As(got, &opErr))
			assert.Equal(t, "acquire", opErr.Operation)
			assert.Equal(t, tt.retryable, gferrors.IsRetryable(got))
			assert.Equal(t, tt.retryable, errors.Is(got, gferrors.ErrTimeout))
		})
	}
}

// newTestThrottle connects to a local Redis or skips the test.
func newTestThrottle(t *testing.T, limit int, interval time.Duration) *Throttle {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available:", err)
	}

	key := "stageflow:test:" + strings.ReplaceAll(t.Name(), "/", "_") + ":" + uuid.NewString()
	th, err := New(Config{
		Redis:        rdb,
		Key:          key,
		Limit:        limit,
		Interval:     interval,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = th.Reset(context.Background())
		_ = th.Close()
	})
	return th
}

func TestSharedWindow(t *testing.T) {
	a := newTestThrottle(t, 3, time.Minute)

	// A second process sharing the key draws from the same window.
	b, err := New(Config{Redis: a.config.Redis, Key: a.config.Key, Limit: 3, Interval: time.Minute})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := a.TryGetSlot(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := b.TryGetSlot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryGetSlot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	inUse, err := a.InUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, inUse)

	ids, err := a.Instances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.InstanceID(), b.InstanceID()}, ids)
}

func TestGetSlotWaitsForExpiry(t *testing.T) {
	th := newTestThrottle(t, 1, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, th.GetSlotContext(ctx))

	start := time.Now()
	require.NoError(t, th.GetSlot(ctx, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestGetSlotTimeout(t *testing.T) {
	th := newTestThrottle(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, th.GetSlotContext(ctx))

	err := th.GetSlot(ctx, 50*time.Millisecond)
	var timeoutErr *gferrors.TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
}

func TestPurgeAndReset(t *testing.T) {
	th := newTestThrottle(t, 5, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := th.TryGetSlot(ctx)
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	removed, err := th.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = th.TryGetSlot(ctx)
	require.NoError(t, err)
	require.NoError(t, th.Reset(ctx))

	inUse, err := th.InUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, inUse)
}

func TestFullWindowIsRateLimited(t *testing.T) {
	th := newTestThrottle(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, th.acquire(ctx))

	err := th.acquire(ctx)
	assert.ErrorIs(t, err, gferrors.ErrRateLimited)
	assert.True(t, gferrors.IsRetryable(err))

	ok, err := th.TryGetSlot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

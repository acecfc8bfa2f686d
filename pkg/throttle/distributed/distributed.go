package distributed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
)

// Config configures a Redis-backed throttle.
type Config struct {
	// Redis client shared by every process using the throttle
	Redis redis.UniversalClient

	// Key is the Redis key prefix; processes using the same Key share slots
	Key string

	// Limit is the number of slots per Interval
	Limit int

	// Interval is the rolling window length
	Interval time.Duration

	// RedisTimeout bounds each Redis round trip (defaults to 500ms)
	RedisTimeout time.Duration

	// PollInterval is how often a waiting GetSlotContext retries (defaults to 50ms)
	PollInterval time.Duration

	// KeyTTL is how long idle keys live (defaults to 1 hour)
	KeyTTL time.Duration

	// InstanceID identifies this process in slot members and the instance set
	InstanceID string
}

// DefaultConfig returns a config with timeouts and a fresh InstanceID filled in.
func DefaultConfig() Config {
	return Config{
		RedisTimeout: 500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		KeyTTL:       time.Hour,
		InstanceID:   generateInstanceID(),
	}
}

// Throttle is a rolling-window slot limiter whose window lives in a Redis
// sorted set, so every process sharing Key draws from the same Limit.
type Throttle struct {
	config Config
	keys   keys
	seq    atomic.Int64

	acquireScript *redis.Script
	countScript   *redis.Script
}

type keys struct {
	slots     string
	instances string
}

// New validates config and returns a throttle. It performs no Redis I/O.
func New(config Config) (*Throttle, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	config = applyConfigDefaults(config)

	return &Throttle{
		config: config,
		keys: keys{
			slots:     config.Key + ":slots",
			instances: config.Key + ":instances",
		},
		acquireScript: redis.NewScript(luaAcquire),
		countScript:   redis.NewScript(luaCount),
	}, nil
}

func validateConfig(config Config) error {
	if config.Redis == nil {
		return gferrors.NewValidationError("throttle", "redis", nil, "redis client is required")
	}
	if err := validation.ValidateNotEmpty("throttle", "key", config.Key); err != nil {
		return err
	}
	if err := validation.ValidatePositive("throttle", "limit", config.Limit); err != nil {
		return err
	}
	return validation.ValidatePositiveDuration("throttle", "interval", config.Interval)
}

func applyConfigDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.InstanceID == "" {
		config.InstanceID = defaults.InstanceID
	}
	if config.RedisTimeout <= 0 {
		config.RedisTimeout = defaults.RedisTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = defaults.KeyTTL
	}
	return config
}

// TryGetSlot grants a slot if the shared window has room.
func (t *Throttle) TryGetSlot(ctx context.Context) (bool, error) {
	err := t.acquire(ctx)
	if errors.Is(err, gferrors.ErrRateLimited) {
		return false, nil
	}
	return err == nil, err
}

// acquire takes a slot, returning ErrRateLimited when the window is full.
func (t *Throttle) acquire(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, t.config.RedisTimeout)
	defer cancel()

	now := time.Now().UnixNano()
	member := t.config.InstanceID + ":" + strconv.FormatInt(t.seq.Add(1), 10)

	result, err := t.acquireScript.Run(rctx, t.config.Redis,
		[]string{t.keys.slots, t.keys.instances},
		now,
		t.config.Interval.Nanoseconds(),
		t.config.Limit,
		member,
		t.config.InstanceID,
		t.config.KeyTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return t.acquireError(ctx, err)
	}
	if result != 1 {
		return gferrors.ErrRateLimited
	}
	return nil
}

// acquireError marks a round trip that outran RedisTimeout as a timeout, so
// waiters retry it. Failures after ctx itself ended are left as they are.
func (t *Throttle) acquireError(ctx context.Context, err error) error {
	var netErr net.Error
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())) {
		return gferrors.NewOperationError("throttle", "acquire",
			&gferrors.TimeoutError{Operation: "redis", Timeout: t.config.RedisTimeout}).
			WithContext(err.Error())
	}
	return redisError("acquire", err)
}

// GetSlotContext waits until a slot is granted or ctx is done. A full window
// and Redis round-trip timeouts are retried; other Redis errors end the wait.
func (t *Throttle) GetSlotContext(ctx context.Context) error {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		err := t.acquire(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !gferrors.IsRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSlot is GetSlotContext with a timeout; zero waits forever.
func (t *Throttle) GetSlot(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return t.GetSlotContext(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := t.GetSlotContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &gferrors.TimeoutError{Operation: "throttle.GetSlot", Timeout: timeout}
	}
	return err
}

// InUse returns the number of live slots across all processes.
func (t *Throttle) InUse(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.RedisTimeout)
	defer cancel()

	n, err := t.countScript.Run(ctx, t.config.Redis,
		[]string{t.keys.slots},
		time.Now().UnixNano(),
		t.config.Interval.Nanoseconds(),
	).Int64()
	if err != nil {
		return 0, redisError("in_use", err)
	}
	return int(n), nil
}

// Purge removes expired slots and returns how many were dropped.
func (t *Throttle) Purge(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.RedisTimeout)
	defer cancel()

	cutoff := time.Now().UnixNano() - t.config.Interval.Nanoseconds()
	removed, err := t.config.Redis.ZRemRangeByScore(ctx, t.keys.slots,
		"-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, redisError("purge", err)
	}
	return removed, nil
}

// Instances returns the IDs of processes that have taken a slot and not closed.
func (t *Throttle) Instances(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.RedisTimeout)
	defer cancel()

	ids, err := t.config.Redis.SMembers(ctx, t.keys.instances).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisError("instances", err)
	}
	return ids, nil
}

// Reset deletes all shared state. Every process sharing Key is affected.
func (t *Throttle) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.RedisTimeout)
	defer cancel()

	if err := t.config.Redis.Del(ctx, t.keys.slots, t.keys.instances).Err(); err != nil {
		return redisError("reset", err)
	}
	return nil
}

// Close deregisters this instance. Slots it holds expire normally.
func (t *Throttle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.RedisTimeout)
	defer cancel()

	if err := t.config.Redis.SRem(ctx, t.keys.instances, t.config.InstanceID).Err(); err != nil {
		return redisError("close", err)
	}
	return nil
}

// InstanceID returns the identifier used for this process.
func (t *Throttle) InstanceID() string {
	return t.config.InstanceID
}

func redisError(operation string, err error) error {
	return gferrors.NewOperationError("throttle", operation, err).WithContext("redis")
}

// generateInstanceID creates a unique identifier for this process.
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// Slots score by grant time in nanoseconds. A slot expires once
// score + interval < now, matching the local throttle.
const luaAcquire = `
-- KEYS[1]: slot sorted set
-- KEYS[2]: instance set
-- ARGV[1]: now (ns)
-- ARGV[2]: interval (ns)
-- ARGV[3]: limit
-- ARGV[4]: member
-- ARGV[5]: instance id
-- ARGV[6]: key ttl (ms)

local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (now - interval))

redis.call('SADD', KEYS[2], ARGV[5])
redis.call('PEXPIRE', KEYS[2], ttl)

if redis.call('ZCARD', KEYS[1]) >= limit then
    return 0
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`

const luaCount = `
-- KEYS[1]: slot sorted set
-- ARGV[1]: now (ns)
-- ARGV[2]: interval (ns)

local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])

return redis.call('ZCOUNT', KEYS[1], now - interval, '+inf')
`

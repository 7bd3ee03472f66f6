package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerWindow int64 = 50
	defaultWindow               = time.Hour
	minWaitStep                 = 10 * time.Millisecond
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var pauseScript = goredis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl < tonumber(ARGV[1]) then
  redis.call("SET", KEYS[1], "1", "PX", ARGV[1])
  return 1
end
return 0
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window rate limiter backed by Redis.
type RedisRateLimiter struct {
	client         *goredis.Client
	limitPerWindow int64
	window         time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	script         *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, limitPerWindow int, window time.Duration) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(limitPerWindow),
		window,
		time.Now,
		sleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerWindow int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerWindow <= 0 {
		limitPerWindow = defaultLimitPerWindow
	}
	if window < time.Millisecond {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:         client,
		limitPerWindow: limitPerWindow,
		window:         window,
		now:            nowFn,
		sleep:          sleepFn,
		script:         allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized, err := normalizeProvider(provider)
	if err != nil {
		return false, err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	index := r.now().UTC().UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%d", normalized, index)
	result, err := r.script.Run(ctx, r.client, []string{key}, r.limitPerWindow, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Wait(ctx context.Context, provider string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		paused, err := r.PausedFor(ctx, provider)
		if err != nil {
			return err
		}
		if paused > 0 {
			if err := r.sleep(ctx, paused); err != nil {
				return err
			}
			continue
		}

		allowed, err := r.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, r.untilNextWindow()); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) Pause(ctx context.Context, provider string, d time.Duration) error {
	normalized, err := normalizeProvider(provider)
	if err != nil {
		return err
	}
	if d <= 0 {
		d = r.window
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}

	if err := pauseScript.Run(ctx, r.client, []string{pauseKey(normalized)}, d.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to pause provider %s: %w", normalized, err)
	}
	return nil
}

func (r *RedisRateLimiter) PausedFor(ctx context.Context, provider string) (time.Duration, error) {
	normalized, err := normalizeProvider(provider)
	if err != nil {
		return 0, err
	}

	ttl, err := r.client.PTTL(ctx, pauseKey(normalized)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pause for provider %s: %w", normalized, err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisRateLimiter) untilNextWindow() time.Duration {
	windowMs := r.window.Milliseconds()
	elapsed := r.now().UTC().UnixMilli() % windowMs
	wait := time.Duration(windowMs-elapsed) * time.Millisecond
	if wait < minWaitStep {
		wait = minWaitStep
	}
	return wait
}

func normalizeProvider(provider string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(provider))
	if normalized == "" {
		return "", fmt.Errorf("provider is required")
	}
	return normalized, nil
}

func pauseKey(provider string) string {
	return "ratelimit:pause:" + provider
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

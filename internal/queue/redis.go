package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPromoteLimit = 100

var promoteScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call("ZREM", KEYS[1], member)
  redis.call("RPUSH", KEYS[2], member)
end
return #due
`)

var _ Queue = (*RedisQueue)(nil)

// RedisQueue keeps pending jobs in a Redis list. Removal is pop-based, so
// concurrent consumers never receive the same job.
type RedisQueue struct {
	client       *goredis.Client
	name         string
	promoteLimit int
	now          func() time.Time
}

func NewRedisQueue(client *goredis.Client, name string) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}

	return &RedisQueue{
		client:       client,
		name:         name,
		promoteLimit: defaultPromoteLimit,
		now:          time.Now,
	}, nil
}

func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) Enqueue(ctx context.Context, job domain.EmailJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal email job: %w", err)
	}

	if err := q.client.RPush(ctx, q.name, payload).Err(); err != nil {
		return "", fmt.Errorf("%w: failed to enqueue job %s: %w", domain.ErrStoreUnavailable, job.ID, err)
	}
	return job.ID, nil
}

func (q *RedisQueue) DequeueOne(ctx context.Context) (*domain.EmailJob, error) {
	raw, err := q.client.LPop(ctx, q.name).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dequeue job: %w", domain.ErrStoreUnavailable, err)
	}

	var job domain.EmailJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		if deadErr := q.client.RPush(ctx, DeadKey(q.name), raw).Err(); deadErr != nil {
			return nil, fmt.Errorf("%w: %v (dead-letter push failed: %v)", ErrInvalidJob, err, deadErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	return &job, nil
}

func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	size, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read queue size: %w", domain.ErrStoreUnavailable, err)
	}
	return size, nil
}

func (q *RedisQueue) Schedule(ctx context.Context, job domain.EmailJob, at time.Time) error {
	job.NextAttemptAt = at.UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal email job: %w", err)
	}

	err = q.client.ZAdd(ctx, DelayedKey(q.name), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: failed to schedule job %s: %w", domain.ErrStoreUnavailable, job.ID, err)
	}
	return nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	moved, err := promoteScript.Run(
		ctx,
		q.client,
		[]string{DelayedKey(q.name), q.name},
		strconv.FormatInt(now.UnixMilli(), 10),
		q.promoteLimit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to promote delayed jobs: %w", domain.ErrStoreUnavailable, err)
	}
	return moved, nil
}

func (q *RedisQueue) PushFront(ctx context.Context, job domain.EmailJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal email job: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("%w: failed to push job %s to queue head: %w", domain.ErrStoreUnavailable, job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.name)
	delayed := pipe.ZCard(ctx, DelayedKey(q.name))
	dead := pipe.LLen(ctx, DeadKey(q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("%w: failed to read queue stats: %w", domain.ErrStoreUnavailable, err)
	}

	return Stats{
		Name:    q.name,
		Pending: pending.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

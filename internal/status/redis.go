package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const batchDataField = "data"

// The stored record is rejected when it is newer than the write or when the
// transition is not allowed. sent is final; failed only leaves through reset.
var recordScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if current then
  local ok, stored = pcall(cjson.decode, current)
  if ok and type(stored) == "table" then
    local storedTs = tonumber(stored["updatedAtUs"]) or 0
    if tonumber(ARGV[4]) < storedTs then
      return 0
    end
    local from = stored["status"]
    if from == "sent" then
      return 0
    end
    if from == "failed" and ARGV[3] == "pending" then
      return 0
    end
  end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], "NX", ARGV[6], ARGV[5])
return 1
`)

var resetScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if current then
  local ok, stored = pcall(cjson.decode, current)
  if ok and type(stored) == "table" then
    if stored["status"] == "sent" then
      return 0
    end
    local storedTs = tonumber(stored["updatedAtUs"]) or 0
    if tonumber(ARGV[3]) < storedTs then
      return 0
    end
  end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], "NX", ARGV[5], ARGV[4])
return 1
`)

var createBatchScript = goredis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

var _ Store = (*RedisStore)(nil)

// record is the hash value layout. UpdatedAtUs is compared inside Lua.
type record struct {
	Status      domain.Status `json:"status"`
	MessageID   string        `json:"messageId,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	InFlight    bool          `json:"inFlight,omitempty"`
	UpdatedAtUs int64         `json:"updatedAtUs"`
}

type RedisStore struct {
	client *goredis.Client
}

func NewRedisStore(client *goredis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) RecordStatus(ctx context.Context, st domain.DeliveryStatus) (bool, error) {
	if err := st.Validate(); err != nil {
		return false, err
	}

	batchID := domain.StatusKeyBatchID(st.BatchID)
	recipient := strings.TrimSpace(st.Recipient)
	payload, err := json.Marshal(record{
		Status:      st.Status,
		MessageID:   st.MessageID,
		Error:       st.Error,
		Attempts:    st.Attempts,
		InFlight:    st.InFlight && st.Status == domain.StatusPending,
		UpdatedAtUs: st.UpdatedAt.UnixMicro(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal delivery status: %w", err)
	}

	applied, err := recordScript.Run(
		ctx,
		s.client,
		[]string{StatusKey(batchID), batchIndexKey},
		recipient,
		payload,
		string(st.Status),
		st.UpdatedAt.UnixMicro(),
		batchID,
		st.UpdatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: failed to record status for %s/%s: %w", domain.ErrStoreUnavailable, batchID, recipient, err)
	}
	return applied == 1, nil
}

func (s *RedisStore) ResetStatus(ctx context.Context, batchID, recipient string, at time.Time) (bool, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return false, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	batchID = domain.StatusKeyBatchID(batchID)

	payload, err := json.Marshal(record{
		Status:      domain.StatusPending,
		UpdatedAtUs: at.UnixMicro(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal delivery status: %w", err)
	}

	applied, err := resetScript.Run(
		ctx,
		s.client,
		[]string{StatusKey(batchID), batchIndexKey},
		recipient,
		payload,
		at.UnixMicro(),
		batchID,
		at.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: failed to reset status for %s/%s: %w", domain.ErrStoreUnavailable, batchID, recipient, err)
	}
	return applied == 1, nil
}

func (s *RedisStore) GetStatus(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error) {
	batchID = domain.StatusKeyBatchID(batchID)
	recipient = strings.TrimSpace(recipient)

	raw, err := s.client.HGet(ctx, StatusKey(batchID), recipient).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: no status for %s in batch %s", domain.ErrNotFound, recipient, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read status: %w", domain.ErrStoreUnavailable, err)
	}

	st := decodeRecord(batchID, recipient, raw)
	return &st, nil
}

func (s *RedisStore) ListStatuses(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
	batchID = domain.StatusKeyBatchID(batchID)

	entries, err := s.client.HGetAll(ctx, StatusKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list statuses: %w", domain.ErrStoreUnavailable, err)
	}

	statuses := make([]domain.DeliveryStatus, 0, len(entries))
	for recipient, raw := range entries {
		statuses = append(statuses, decodeRecord(batchID, recipient, raw))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Recipient < statuses[j].Recipient
	})
	return statuses, nil
}

func (s *RedisStore) Aggregate(ctx context.Context, batchID string) (domain.BatchSummary, error) {
	statuses, err := s.ListStatuses(ctx, batchID)
	if err != nil {
		return domain.BatchSummary{}, err
	}

	summary := domain.BatchSummary{BatchID: domain.StatusKeyBatchID(batchID)}
	for _, st := range statuses {
		summary.Add(st.Status)
	}
	return summary, nil
}

func (s *RedisStore) CreateBatch(ctx context.Context, batch domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	created, err := createBatchScript.Run(
		ctx,
		s.client,
		[]string{BatchKey(batch.ID), batchIndexKey},
		batchDataField,
		payload,
		batch.CreatedAt.UnixMilli(),
		batch.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: failed to create batch %s: %w", domain.ErrStoreUnavailable, batch.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: batch %s already exists", domain.ErrConflict, batch.ID)
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	raw, err := s.client.HGet(ctx, BatchKey(batchID), batchDataField).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read batch: %w", domain.ErrStoreUnavailable, err)
	}

	var batch domain.Batch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// ListBatches returns the newest batches first. Ids indexed only through
// status writes come back with the id set and no template.
func (s *RedisStore) ListBatches(ctx context.Context, limit int) ([]domain.Batch, error) {
	ids, err := s.ListBatchIDs(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Batch{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, BatchKey(id), batchDataField)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: failed to read batches: %w", domain.ErrStoreUnavailable, err)
	}

	batches := make([]domain.Batch, 0, len(ids))
	for i, id := range ids {
		batch := domain.Batch{ID: id}
		if raw, err := cmds[i].Result(); err == nil {
			if err := json.Unmarshal([]byte(raw), &batch); err != nil {
				batch = domain.Batch{ID: id}
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (s *RedisStore) ListBatchIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, batchIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list batches: %w", domain.ErrStoreUnavailable, err)
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// decodeRecord never fails: an unreadable value becomes a record with an
// unknown status, which aggregates count as pending.
func decodeRecord(batchID, recipient, raw string) domain.DeliveryStatus {
	st := domain.DeliveryStatus{BatchID: batchID, Recipient: recipient}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		st.Error = "unreadable status record"
		return st
	}

	st.Status = rec.Status
	st.MessageID = rec.MessageID
	st.Error = rec.Error
	st.Attempts = rec.Attempts
	st.InFlight = rec.InFlight
	if rec.UpdatedAtUs > 0 {
		st.UpdatedAt = time.UnixMicro(rec.UpdatedAtUs).UTC()
	}
	return st
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
)

// RedisQueue coordinates the ready queue, delayed retry set, and dead-letter
// list shared by every worker instance. Members of all three structures are
// serialized jobs; the dead-letter list wraps them in an envelope with a
// reason and timestamp.
type RedisQueue struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
	deadKey    string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client)
}

// NewWithClient wraps an existing Redis client. Tests use this with miniredis.
func NewWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:     client,
		readyKey:   "social:queue",
		delayedKey: "social:delayed",
		deadKey:    "social:dlq",
	}
}

// Ping verifies the connection. The registrar calls this before binding
// listeners so a dead Redis leaves the guard retryable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue serializes a job and pushes it to the ready-queue tail.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.SocialJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.EnqueueRaw(ctx, string(raw))
}

// EnqueueRaw pushes an already-serialized job to the ready-queue tail.
func (q *RedisQueue) EnqueueRaw(ctx context.Context, raw string) error {
	if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
		return fmt.Errorf("push ready: %w", err)
	}
	return nil
}

// BlockingDequeue pops the next ready job, blocking up to timeout.
// A timeout returns ("", nil): idling is not an error.
func (q *RedisQueue) BlockingDequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blpop ready: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return "", fmt.Errorf("unexpected blpop reply length %d", len(res))
	}
	return res[1], nil
}

// promoteScript moves due delayed members to the ready queue. The ZREM guard
// makes concurrent sweeps safe: a member already claimed by another sweeper
// is skipped, never pushed twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, raw in ipairs(due) do
  if redis.call('ZREM', KEYS[1], raw) == 1 then
    redis.call('RPUSH', KEYS[2], raw)
    moved = moved + 1
  end
end
return moved
`)

// PromoteDue atomically moves delayed jobs whose run-at time has passed into
// the ready queue, up to batch members. Returns how many were moved.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 50
	}
	res, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey},
		now.UnixMilli(), batch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	return res, nil
}

// ScheduleRetry places a serialized job in the delayed set, scored by its
// absolute run-at time in milliseconds.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, raw string, runAtMs int64) error {
	err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAtMs), Member: raw}).Err()
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// DeadLetter appends a job to the dead-letter list with a reason. The list is
// append-only and never auto-drained; only operator action empties it.
func (q *RedisQueue) DeadLetter(ctx context.Context, raw, reason string) error {
	entry, err := json.Marshal(models.DeadLetterEntry{
		Raw:    raw,
		Reason: reason,
		At:     time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.deadKey, entry).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Counts reports the depth of all three structures.
func (q *RedisQueue) Counts(ctx context.Context) (ready, delayed, dead int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, q.readyKey)
	delayedCmd := pipe.ZCard(ctx, q.delayedKey)
	deadCmd := pipe.LLen(ctx, q.deadKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue counts: %w", err)
	}
	return readyCmd.Val(), delayedCmd.Val(), deadCmd.Val(), nil
}

// PeekReady returns up to count serialized jobs from the head of the ready queue.
func (q *RedisQueue) PeekReady(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.readyKey, 0, count-1).Result()
}

// DelayedItem is one delayed member with its scheduled run-at time.
type DelayedItem struct {
	Raw     string `json:"raw"`
	RunAtMs int64  `json:"run_at_ms"`
}

// PeekDelayed returns up to count delayed members ordered by run-at time.
func (q *RedisQueue) PeekDelayed(ctx context.Context, count int64) ([]DelayedItem, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.delayedKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]DelayedItem, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		items = append(items, DelayedItem{Raw: raw, RunAtMs: int64(z.Score)})
	}
	return items, nil
}

// PeekDead returns up to count dead-letter entries from the head of the list.
func (q *RedisQueue) PeekDead(ctx context.Context, count int64) ([]models.DeadLetterEntry, error) {
	raws, err := q.client.LRange(ctx, q.deadKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]models.DeadLetterEntry, 0, len(raws))
	for _, r := range raws {
		var e models.DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			// Legacy entries may be bare payloads; surface them as-is.
			e = models.DeadLetterEntry{Raw: r}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RequeueDead pops up to count entries off the dead-letter list and pushes
// their raw jobs back onto the ready queue. Attempts counters are untouched.
func (q *RedisQueue) RequeueDead(ctx context.Context, count int) (int, error) {
	moved := 0
	for i := 0; i < count; i++ {
		rawEntry, err := q.client.LPop(ctx, q.deadKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("pop dead letter: %w", err)
		}
		var e models.DeadLetterEntry
		raw := rawEntry
		if err := json.Unmarshal([]byte(rawEntry), &e); err == nil && e.Raw != "" {
			raw = e.Raw
		}
		if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
			return moved, fmt.Errorf("requeue dead letter: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ClearReady empties the ready queue.
func (q *RedisQueue) ClearReady(ctx context.Context) error {
	return q.client.Del(ctx, q.readyKey).Err()
}

// ClearDelayed empties the delayed set.
func (q *RedisQueue) ClearDelayed(ctx context.Context) error {
	return q.client.Del(ctx, q.delayedKey).Err()
}

// ClearDead empties the dead-letter list.
func (q *RedisQueue) ClearDead(ctx context.Context) error {
	return q.client.Del(ctx, q.deadKey).Err()
}

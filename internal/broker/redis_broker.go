package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// ErrQueueFull is returned by Enqueue when the queue is at its depth cap;
// callers are expected to retry with backoff rather than treat this as fatal.
var ErrQueueFull = errors.New("broker: queue at depth limit")

// enqueueScript performs the idempotent, depth-capped enqueue atomically:
// it is a no-op if the member already exists, refuses when at capacity, and
// otherwise assigns a monotonic sequence so ZRANGE yields priority-then-FIFO
// order with a single round trip.
var enqueueScript = redis.NewScript(`
local queue_key = KEYS[1]
local seq_key = KEYS[2]
local member = ARGV[1]
local rank = tonumber(ARGV[2])
local max_depth = tonumber(ARGV[3])

if redis.call("ZSCORE", queue_key, member) then
  return 0
end

local depth = redis.call("ZCARD", queue_key)
if depth >= max_depth then
  return -1
end

local seq = redis.call("INCR", seq_key)
local score = (rank * 1e15) + seq
redis.call("ZADD", queue_key, score, member)
return 1
`)

// reclaimScript scans the inflight hash for entries whose lease deadline has
// passed and moves them back to the head of the queue (forcing their score
// to the minimum for their original priority tier so they drain first).
var reclaimScript = redis.NewScript(`
local inflight_key = KEYS[1]
local queue_key = KEYS[2]
local now = tonumber(ARGV[1])

local entries = redis.call("HGETALL", inflight_key)
local reclaimed = 0
for i = 1, #entries, 2 do
  local member = entries[i]
  local parts = {}
  for part in string.gmatch(entries[i+1], "[^:]+") do
    table.insert(parts, part)
  end
  local deadline = tonumber(parts[1])
  local rank = tonumber(parts[2])
  if deadline and deadline < now then
    redis.call("HDEL", inflight_key, member)
    redis.call("ZADD", queue_key, rank * 1e15, member)
    reclaimed = reclaimed + 1
  end
end
return reclaimed
`)

type redisBroker struct {
	log      *logger.Logger
	rdb      *redis.Client
	maxDepth int64
}

// NewRedisBroker connects to Redis at addr and pings it once before
// returning, mirroring the teacher's redisBus connection and ping-on-init
// idiom. A maxDepth of zero or less means 1000.
func NewRedisBroker(ctx context.Context, log *logger.Logger, addr string, maxDepth int64) (*redisBroker, error) {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: redis ping failed: %w", err)
	}
	return &redisBroker{log: log.With("component", "Broker"), rdb: rdb, maxDepth: maxDepth}, nil
}

func (b *redisBroker) queueKey(key string) string    { return "queue:" + key }
func (b *redisBroker) seqKey(key string) string      { return "queue:" + key + ":seq" }
func (b *redisBroker) inflightKey(key string) string { return "inflight:" + key }

func (b *redisBroker) Enqueue(ctx context.Context, queueKey string, taskID uuid.UUID, priority Priority) error {
	res, err := enqueueScript.Run(ctx, b.rdb, []string{b.queueKey(queueKey), b.seqKey(queueKey)},
		taskID.String(), priority.rank(), b.maxDepth).Int()
	if err != nil {
		return fmt.Errorf("broker: enqueue %s: %w", queueKey, err)
	}
	if res == -1 {
		return ErrQueueFull
	}
	return nil
}

// Dequeue peeks the highest-priority oldest member, moves it to the
// inflight hash with a lease deadline, and returns it. The member is only
// fully removed from the queue on Ack.
func (b *redisBroker) Dequeue(ctx context.Context, queueKey string, leaseTTL time.Duration) (*Item, error) {
	members, err := b.rdb.ZRangeWithScores(ctx, b.queueKey(queueKey), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: dequeue %s: %w", queueKey, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	memberStr, _ := members[0].Member.(string)
	rank := int64(members[0].Score / 1e15)

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.queueKey(queueKey), memberStr)
	deadline := time.Now().Add(leaseTTL).Unix()
	pipe.HSet(ctx, b.inflightKey(queueKey), memberStr, fmt.Sprintf("%d:%d", deadline, rank))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("broker: lease %s: %w", queueKey, err)
	}

	taskID, err := uuid.Parse(memberStr)
	if err != nil {
		return nil, fmt.Errorf("broker: malformed queue member %q: %w", memberStr, err)
	}
	return &Item{TaskID: taskID, QueueKey: queueKey, Priority: rankToPriority(rank)}, nil
}

func (b *redisBroker) Ack(ctx context.Context, queueKey string, taskID uuid.UUID) error {
	if err := b.rdb.HDel(ctx, b.inflightKey(queueKey), taskID.String()).Err(); err != nil {
		return fmt.Errorf("broker: ack %s: %w", queueKey, err)
	}
	return nil
}

func (b *redisBroker) Depth(ctx context.Context, queueKey string) (int64, error) {
	n, err := b.rdb.ZCard(ctx, b.queueKey(queueKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: depth %s: %w", queueKey, err)
	}
	return n, nil
}

func (b *redisBroker) ReclaimInflight(ctx context.Context, queueKey string) (int, error) {
	n, err := reclaimScript.Run(ctx, b.rdb, []string{b.inflightKey(queueKey), b.queueKey(queueKey)},
		time.Now().Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("broker: reclaim %s: %w", queueKey, err)
	}
	return n, nil
}

func (b *redisBroker) Close() error {
	return b.rdb.Close()
}

func rankToPriority(rank int64) Priority {
	switch rank {
	case 0:
		return PriorityHigh
	case 2:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

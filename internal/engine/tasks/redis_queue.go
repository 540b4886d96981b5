package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// promoteScript moves due delayed tasks onto the stream atomically.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('XADD', KEYS[2], '*', 'task', item)
end
return #items
`)

// RedisQueue is a Queue on a Redis stream with a consumer group. Delayed
// tasks wait in a sorted set until due. Deliveries left unacked longer than
// the claim timeout are taken over by another consumer.
type RedisQueue struct {
	rdb        *redis.Client
	stream     string
	group      string
	consumer   string
	delayedKey string
	block      time.Duration
	claimIdle  time.Duration
}

// RedisQueueConfig names the stream, group and this worker's consumer.
type RedisQueueConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration // XREADGROUP block per poll
	ClaimIdle time.Duration // reclaim deliveries idle longer than this
}

// NewRedisQueue creates the consumer group if needed. rdb is owned by the caller.
func NewRedisQueue(ctx context.Context, rdb *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 15 * time.Minute
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis queue: create group: %w", err)
	}
	return &RedisQueue{
		rdb:        rdb,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		delayedKey: cfg.Stream + ":delayed",
		block:      cfg.Block,
		claimIdle:  cfg.ClaimIdle,
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis queue: marshal: %w", err)
	}
	if t.NotBefore.After(time.Now()) {
		err = q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: data}).Err()
	} else {
		err = q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"task": data}}).Err()
	}
	if err != nil {
		return engine.Transient("redis queue enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey, q.stream}, time.Now().UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return Delivery{}, q.readErr(ctx, "promote", err)
		}

		claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Delivery{}, q.readErr(ctx, "autoclaim", err)
		}
		if len(claimed) > 0 {
			if d, ok := q.delivery(ctx, claimed[0]); ok {
				slog.Info("reclaimed stale task", slog.String("task_id", d.Task.ID), slog.String("receipt", d.Receipt))
				return d, nil
			}
			continue
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Delivery{}, q.readErr(ctx, "read", err)
		}
		for _, s := range res {
			for _, m := range s.Messages {
				if d, ok := q.delivery(ctx, m); ok {
					return d, nil
				}
			}
		}
	}
}

func (q *RedisQueue) readErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return engine.Transient("redis queue "+op, err)
}

// delivery decodes m. Undecodable entries are acked away and skipped.
func (q *RedisQueue) delivery(ctx context.Context, m redis.XMessage) (Delivery, bool) {
	raw, _ := m.Values["task"].(string)
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil || t.ID == "" {
		slog.Error("dropping undecodable queue entry", slog.String("receipt", m.ID), slog.Any("error", err))
		_ = q.ack(ctx, m.ID)
		return Delivery{}, false
	}
	return Delivery{Task: t, Receipt: m.ID}, true
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.ack(ctx, d.Receipt)
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, q.group, id)
		p.XDel(ctx, q.stream, id)
		return nil
	})
	if err != nil {
		return engine.Transient("redis queue ack", err)
	}
	return nil
}

// Close is a no-op; the entry point closes the shared client.
func (q *RedisQueue) Close() error { return nil }

package tasks

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// NewQueue selects the queue named by cfg.QueueBackend. rdb is only used by
// the redis backend.
func NewQueue(ctx context.Context, cfg engine.Config, rdb *redis.Client) (Queue, error) {
	switch cfg.QueueBackend {
	case engine.BackendMemory:
		return NewMemoryQueue(), nil
	case engine.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("tasks: redis queue needs a redis client")
		}
		return NewRedisQueue(ctx, rdb, RedisQueueConfig{
			Stream:    cfg.QueueStream,
			Group:     cfg.QueueGroup,
			Consumer:  cfg.QueueConsumer,
			ClaimIdle: cfg.TaskTimeout + cfg.TaskTimeout/2,
		})
	}
	return nil, fmt.Errorf("tasks: unknown queue backend %q", cfg.QueueBackend)
}

// NewLog opens the task log named by cfg.TaskLog. pool is only used by the
// postgres log.
func NewLog(ctx context.Context, cfg engine.Config, pool *pgxpool.Pool) (Log, error) {
	switch cfg.TaskLog() {
	case engine.BackendMemory:
		return NewMemoryLog(), nil
	case engine.BackendSQLite:
		return OpenSQLiteLog(cfg.TaskLogPath)
	case engine.BackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("tasks: postgres task log needs a database pool")
		}
		return NewPostgresLog(ctx, pool)
	}
	return nil, fmt.Errorf("tasks: unknown task log backend %q", cfg.TaskLog())
}

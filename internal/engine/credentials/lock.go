package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Locker serializes the re-read, refresh and save of one user's credential
// across every Manager sharing a store.
type Locker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// LocalLocker is a per-user lock for Managers living in one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, userID string) (func(), error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[userID]
		if !busy {
			done := make(chan struct{})
			l.held[userID] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, userID)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a per-user lease in Redis (SET NX PX) shared by all worker
// processes. The lease expires on its own if its holder dies.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker builds a RedisLocker. ttl must outlast one refresh call.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, prefix: "jp:credlock:", ttl: ttl, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, userID string) (func(), error) {
	key := l.prefix + userID
	token := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		switch {
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			return nil, engine.Transient("credential lock", err)
		case ok:
			return func() {
				// Released on a fresh context: the caller's may already be done.
				rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer rcancel()
				if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
					slog.Warn("credential lock release failed", slog.String("user_id", userID), slog.Any("error", err))
				}
			}, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("credential lock %s: %w", userID, ErrRefreshInProgress)
		}
	}
}

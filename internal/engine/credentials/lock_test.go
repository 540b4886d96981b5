package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// rotatingRefresher accepts each refresh token once, like LinkedIn does.
type rotatingRefresher struct {
	mu    sync.Mutex
	spent map[string]bool
	calls atomic.Int32
}

func (r *rotatingRefresher) Refresh(_ context.Context, refreshToken string) (Token, error) {
	r.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spent == nil {
		r.spent = map[string]bool{}
	}
	if r.spent[refreshToken] {
		return Token{}, engine.AuthExpired("refresh", errors.New("invalid_grant"))
	}
	r.spent[refreshToken] = true
	return Token{
		AccessToken:  "at-" + refreshToken,
		RefreshToken: refreshToken + "+",
		ExpiresAt:    now.Add(time.Hour),
	}, nil
}

// twoWorkers races GetToken through two Managers over one store, each
// standing in for a separate worker process.
func twoWorkers(t *testing.T, locker func() Locker) (*memStore, *rotatingRefresher, []error) {
	t.Helper()
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)})
	ref := &rotatingRefresher{}
	a := NewManager(store, ref, 5*time.Minute, WithClock(clock), WithLocker(locker()))
	b := NewManager(store, ref, 5*time.Minute, WithClock(clock), WithLocker(locker()))

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		m := a
		if i%2 == 1 {
			m = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.GetToken(context.Background(), "u1")
		}()
	}
	wg.Wait()
	return store, ref, errs
}

func TestSeparateManagersRefreshOnceWithSharedLock(t *testing.T) {
	shared := NewLocalLocker()
	store, ref, errs := twoWorkers(t, func() Locker { return shared })

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, ref.calls.Load())
	c, err := store.GetCredential(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, c.Invalid)
	assert.Equal(t, "rt+", c.RefreshToken)
}

func TestLocalLockerHonorsCancellation(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	unlock2()
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	pool.MaxWait = 60 * time.Second

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "7-alpine",
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Skipf("could not start redis container: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(120)

	rdb := redis.NewClient(&redis.Options{Addr: resource.GetHostPort("6379/tcp")})
	require.NoError(t, pool.Retry(func() error {
		return rdb.Ping(context.Background()).Err()
	}))
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisLockerAcrossManagers(t *testing.T) {
	rdb := startRedis(t)

	// Each Manager gets its own RedisLocker, as separate processes would.
	store, ref, errs := twoWorkers(t, func() Locker { return NewRedisLocker(rdb, 5*time.Second) })
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, ref.calls.Load())
	c, err := store.GetCredential(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, c.Invalid)
}

func TestRedisLockerReleaseKeepsOthersLease(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(rdb, 100*time.Millisecond)

	unlockA, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	// A's lease lapses and B takes the lock.
	time.Sleep(150 * time.Millisecond)
	unlockB, err := l.Lock(ctx, "u1")
	require.NoError(t, err)

	unlockA()
	held, err := rdb.Exists(ctx, "jp:credlock:u1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, held, "a stale holder must not delete the new lease")
	unlockB()
	held, err = rdb.Exists(ctx, "jp:credlock:u1").Result()
	require.NoError(t, err)
	assert.Zero(t, held)
}

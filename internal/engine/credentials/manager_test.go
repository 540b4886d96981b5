package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func newMemStore(creds ...Credential) *memStore {
	s := &memStore{creds: map[string]Credential{}}
	for _, c := range creds {
		s.creds[c.UserID] = c
	}
	return s
}

func (s *memStore) GetCredential(_ context.Context, userID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return Credential{}, engine.NotFound("credential", userID)
	}
	return c, nil
}

func (s *memStore) SaveCredential(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.UserID] = c
	return nil
}

func (s *memStore) MarkInvalid(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.creds[userID]
	c.Invalid = true
	s.creds[userID] = c
	return nil
}

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	token   Token
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return Token{}, f.err
	}
	return f.token, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestGetTokenFresh(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})
	ref := &fakeRefresher{}
	m := NewManager(store, ref, 5*time.Minute, WithClock(clock))

	tok, err := m.GetToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok)
	assert.Equal(t, int32(0), ref.calls.Load())
	assert.Equal(t, StateValid, m.State("u1"))
}

func TestGetTokenInsideSkewRefreshes(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(4 * time.Minute)})
	ref := &fakeRefresher{token: Token{AccessToken: "new", ExpiresAt: now.Add(time.Hour)}}
	m := NewManager(store, ref, 5*time.Minute, WithClock(clock))

	tok, err := m.GetToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
	assert.Equal(t, int32(1), ref.calls.Load())

	saved, _ := store.GetCredential(context.Background(), "u1")
	assert.Equal(t, "new", saved.AccessToken)
	assert.Equal(t, "rt", saved.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, StateValid, m.State("u1"))
}

func TestGetTokenRotatesRefreshToken(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt1", ExpiresAt: now.Add(-time.Hour)})
	ref := &fakeRefresher{token: Token{AccessToken: "new", RefreshToken: "rt2", ExpiresAt: now.Add(time.Hour)}}
	m := NewManager(store, ref, time.Minute, WithClock(clock))

	_, err := m.GetToken(context.Background(), "u1")
	require.NoError(t, err)
	saved, _ := store.GetCredential(context.Background(), "u1")
	assert.Equal(t, "rt2", saved.RefreshToken)
}

func TestConcurrentGetTokenRefreshesOnce(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)})
	ref := &fakeRefresher{
		release: make(chan struct{}),
		token:   Token{AccessToken: "new", RefreshToken: "rt2", ExpiresAt: now.Add(time.Hour)},
	}
	m := NewManager(store, ref, 5*time.Minute, WithClock(clock))

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetToken(context.Background(), "u1")
		}(i)
	}

	require.Eventually(t, func() bool { return ref.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ref.release)
	wg.Wait()

	assert.Equal(t, int32(1), ref.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new", tokens[i])
	}
}

func TestFailFastWhileRefreshing(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)})
	ref := &fakeRefresher{
		release: make(chan struct{}),
		token:   Token{AccessToken: "new", ExpiresAt: now.Add(time.Hour)},
	}
	m := NewManager(store, ref, time.Minute, WithClock(clock), WithFailFast())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.GetToken(context.Background(), "u1")
	}()
	require.Eventually(t, func() bool { return m.State("u1") == StateRefreshing }, time.Second, time.Millisecond)

	_, err := m.GetToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRefreshInProgress)
	assert.True(t, engine.IsRetryable(err))

	close(ref.release)
	<-done
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestRefreshRejectedInvalidates(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)})
	ref := &fakeRefresher{err: engine.AuthExpired("refresh", errors.New("invalid_grant"))}
	m := NewManager(store, ref, time.Minute, WithClock(clock))

	_, err := m.GetToken(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialsExpired)
	assert.True(t, engine.IsTerminal(err))
	assert.Equal(t, StateInvalid, m.State("u1"))

	saved, _ := store.GetCredential(context.Background(), "u1")
	assert.True(t, saved.Invalid)

	// Invalid credentials are never refreshed again.
	_, err = m.GetToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrCredentialsExpired)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestRefreshTransientFailureIsRetryable(t *testing.T) {
	store := newMemStore(Credential{UserID: "u1", AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute)})
	ref := &fakeRefresher{err: engine.Transient("refresh", errors.New("502"))}
	m := NewManager(store, ref, time.Minute, WithClock(clock))

	_, err := m.GetToken(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
	assert.NotEqual(t, StateInvalid, m.State("u1"))

	saved, _ := store.GetCredential(context.Background(), "u1")
	assert.False(t, saved.Invalid)
	assert.Equal(t, "rt", saved.RefreshToken)
}

func TestGetTokenUnknownUser(t *testing.T) {
	m := NewManager(newMemStore(), &fakeRefresher{}, time.Minute, WithClock(clock))
	_, err := m.GetToken(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.True(t, engine.IsTerminal(err))
}

func TestConnectAndInvalidate(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, &fakeRefresher{}, time.Minute, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "u1", Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)}))
	tok, err := m.GetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok)

	require.NoError(t, m.Invalidate(ctx, "u1"))
	_, err = m.GetToken(ctx, "u1")
	assert.ErrorIs(t, err, ErrCredentialsExpired)
}

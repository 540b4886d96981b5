// Package credentials keeps per-user social-graph access tokens usable across
// long-running background work.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// State of a user's credential.
type State string

const (
	StateValid      State = "valid"
	StateExpiring   State = "expiring"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

var (
	// ErrCredentialsExpired means the refresh token was rejected. The user must re-authenticate.
	ErrCredentialsExpired = fmt.Errorf("credentials expired: %w", engine.ErrAuthExpired)
	// ErrRefreshInProgress is returned in fail-fast mode while another caller refreshes.
	ErrRefreshInProgress = fmt.Errorf("refresh in progress: %w", engine.ErrTransient)
	// ErrNoCredential means the user never connected an account.
	ErrNoCredential = fmt.Errorf("no credential: %w", engine.ErrAuthExpired)
)

// Credential is a stored OAuth token pair.
type Credential struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Invalid      bool      `json:"invalid,omitempty"`
}

// Token is what the refresh endpoint returns. RefreshToken may be empty when
// the provider does not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Store persists credentials.
type Store interface {
	GetCredential(ctx context.Context, userID string) (Credential, error)
	SaveCredential(ctx context.Context, c Credential) error
	MarkInvalid(ctx context.Context, userID string) error
}

// Refresher exchanges a refresh token for a new token.
// It returns an error wrapping engine.ErrAuthExpired when the refresh token is rejected.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFailFast makes concurrent callers fail with ErrRefreshInProgress instead
// of waiting for the in-flight refresh.
func WithFailFast() Option {
	return func(m *Manager) { m.failFast = true }
}

// WithLocker sets the lock shared with other Managers over the same store.
// Workers in separate processes need a RedisLocker.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// Manager hands out usable access tokens. At most one refresh per user is in
// flight at any time; concurrent callers share its result. singleflight joins
// callers inside the process and the Locker excludes other processes.
type Manager struct {
	store     Store
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	failFast  bool
	locker    Locker

	group singleflight.Group

	mu     sync.Mutex
	states map[string]State
}

// NewManager builds a Manager. skew is subtracted from expiry to refresh early.
func NewManager(store Store, refresher Refresher, skew time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		locker:    NewLocalLocker(),
		states:    make(map[string]State),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the last observed state for userID.
func (m *Manager) State(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[userID]; ok {
		return s
	}
	return StateValid
}

func (m *Manager) setState(userID string, s State) {
	m.mu.Lock()
	prev := m.states[userID]
	m.states[userID] = s
	m.mu.Unlock()
	if prev != s {
		slog.Debug("credential state", slog.String("user_id", userID), slog.String("from", string(prev)), slog.String("to", string(s)))
	}
}

func (m *Manager) fresh(c Credential) bool {
	return c.AccessToken != "" && m.now().Before(c.ExpiresAt.Add(-m.skew))
}

// GetToken returns a usable access token for userID, refreshing it first when
// it is inside the skew window.
func (m *Manager) GetToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return "", fmt.Errorf("get token %s: %w", userID, ErrNoCredential)
		}
		return "", fmt.Errorf("get token %s: %w", userID, err)
	}
	if cred.Invalid {
		m.setState(userID, StateInvalid)
		return "", fmt.Errorf("get token %s: %w", userID, ErrCredentialsExpired)
	}
	if m.fresh(cred) {
		m.setState(userID, StateValid)
		return cred.AccessToken, nil
	}

	m.mu.Lock()
	inFlight := m.states[userID] == StateRefreshing
	m.mu.Unlock()
	if inFlight && m.failFast {
		return "", fmt.Errorf("get token %s: %w", userID, ErrRefreshInProgress)
	}

	ch := m.group.DoChan(userID, func() (any, error) {
		// Detached: one caller's cancellation must not abort a shared refresh.
		return m.refresh(context.WithoutCancel(ctx), userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, userID string) (string, error) {
	m.setState(userID, StateExpiring)

	unlock, err := m.locker.Lock(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("refresh %s: %w", userID, err)
	}
	defer unlock()

	// Another worker may have refreshed between our read and taking the lock.
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("refresh %s: %w", userID, err)
	}
	if cred.Invalid {
		m.setState(userID, StateInvalid)
		return "", fmt.Errorf("refresh %s: %w", userID, ErrCredentialsExpired)
	}
	if m.fresh(cred) {
		m.setState(userID, StateValid)
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", m.invalidate(ctx, userID, errors.New("no refresh token"))
	}

	m.setState(userID, StateRefreshing)
	engine.IncrTokenRefreshes()
	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		engine.IncrRefreshFailures()
		if errors.Is(err, engine.ErrAuthExpired) {
			return "", m.invalidate(ctx, userID, err)
		}
		// The old token pair is still stored; the next caller retries.
		m.setState(userID, StateExpiring)
		return "", fmt.Errorf("refresh %s: %w", userID, err)
	}

	next := Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := m.store.SaveCredential(ctx, next); err != nil {
		m.setState(userID, StateExpiring)
		return "", fmt.Errorf("refresh %s: save: %w", userID, err)
	}
	m.setState(userID, StateValid)
	slog.Info("token refreshed", slog.String("user_id", userID), slog.Time("expires_at", next.ExpiresAt))
	return next.AccessToken, nil
}

func (m *Manager) invalidate(ctx context.Context, userID string, cause error) error {
	m.setState(userID, StateInvalid)
	if err := m.store.MarkInvalid(ctx, userID); err != nil {
		slog.Warn("mark credential invalid failed", slog.String("user_id", userID), slog.Any("error", err))
	}
	slog.Warn("credentials expired, re-authentication required", slog.String("user_id", userID), slog.Any("error", cause))
	return fmt.Errorf("refresh %s: %w: %v", userID, ErrCredentialsExpired, cause)
}

// Invalidate forces userID into the invalid state, e.g. after the API rejected
// an access token that looked fresh.
func (m *Manager) Invalidate(ctx context.Context, userID string) error {
	m.setState(userID, StateInvalid)
	return m.store.MarkInvalid(ctx, userID)
}

// Connect stores a freshly exchanged token pair and marks the user valid.
func (m *Manager) Connect(ctx context.Context, userID string, tok Token) error {
	if tok.AccessToken == "" {
		return engine.Invalid("connect %s: empty access token", userID)
	}
	err := m.store.SaveCredential(ctx, Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", userID, err)
	}
	m.setState(userID, StateValid)
	return nil
}

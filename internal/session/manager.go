// Package session owns the authentication state derived from persisted
// credentials and validated against the identity service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"portfolio/internal/identity"
	"portfolio/internal/storage"
	"portfolio/pkg/domain"
)

// ErrNotAuthenticated is returned by operations that require a live
// session when there is none.
var ErrNotAuthenticated = errors.New("not authenticated")

// Manager holds the single AuthState slot. All mutation goes through
// its methods; readers get snapshots and may subscribe for changes.
type Manager struct {
	store    storage.KV
	identity *identity.Client

	mu      sync.RWMutex
	state   domain.AuthState
	ready   bool
	subs    map[int]chan domain.AuthState
	nextSub int

	flight   singleflight.Group
	attempts atomic.Uint64
}

// NewManager builds a manager in the unauthenticated state. Call
// Initialize before serving gated content.
func NewManager(store storage.KV, client *identity.Client) *Manager {
	return &Manager{
		store:    store,
		identity: client,
		subs:     make(map[int]chan domain.AuthState),
	}
}

// Initialize derives the initial state from the persistent store. When
// both token and user snapshot are present and the snapshot parses, it
// sets optimistic authenticated state and revalidates in the
// background; otherwise it purges both keys. Ready reports true once
// this has settled.
func (m *Manager) Initialize(ctx context.Context) error {
	defer m.setReady()

	token, haveToken, err := m.store.Get(ctx, storage.KeyAuthToken)
	if err != nil {
		m.clearAuth(ctx)
		return fmt.Errorf("read token: %w", err)
	}
	snapshot, haveUser, err := m.store.Get(ctx, storage.KeyAuthUser)
	if err != nil {
		m.clearAuth(ctx)
		return fmt.Errorf("read user snapshot: %w", err)
	}
	if !haveToken || token == "" || !haveUser {
		m.clearAuth(ctx)
		return nil
	}
	var user domain.User
	if err := json.Unmarshal([]byte(snapshot), &user); err != nil {
		slog.Warn("stored user snapshot failed to parse, purging auth state", "err", err)
		m.clearAuth(ctx)
		return nil
	}
	if tokenExpired(token) {
		m.clearAuth(ctx)
		return nil
	}

	m.setState(domain.AuthState{IsAuthenticated: true, User: &user, Token: token})
	go func() {
		if err := m.CheckAuthStatus(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("background session validation failed", "err", err)
		}
	}()
	return nil
}

// CheckAuthStatus revalidates the stored token against the identity
// service. Success refreshes the user snapshot; any failure purges the
// session entirely. Concurrent calls share one in-flight validation,
// and a result superseded by a newer attempt or by an auth mutation
// (login, logout) is discarded.
func (m *Manager) CheckAuthStatus(ctx context.Context) error {
	attempt := m.attempts.Add(1)
	res, err, _ := m.flight.Do("check-auth", func() (any, error) {
		token, ok, err := m.store.Get(ctx, storage.KeyAuthToken)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		if !ok || token == "" {
			return checkResult{}, nil
		}
		user, err := m.identity.Me(ctx, token)
		if err != nil {
			return nil, err
		}
		return checkResult{token: token, user: &user}, nil
	})
	if m.attempts.Load() != attempt {
		return nil
	}
	if err != nil {
		m.clearAuth(ctx)
		var remote *domain.RemoteError
		if errors.As(err, &remote) && remote.Status == http.StatusUnauthorized {
			return nil
		}
		return fmt.Errorf("validate session: %w", err)
	}
	r := res.(checkResult)
	if r.user == nil {
		m.clearAuth(ctx)
		return nil
	}
	if data, err := json.Marshal(r.user); err == nil {
		if err := m.store.Set(ctx, storage.KeyAuthUser, string(data)); err != nil {
			slog.Warn("persist refreshed user snapshot", "err", err)
		}
	}
	m.setState(domain.AuthState{IsAuthenticated: true, User: r.user, Token: r.token})
	return nil
}

// Login authenticates against the identity service and persists the
// session. Failure purges any prior auth artifacts and surfaces the
// error; display is the caller's concern.
func (m *Manager) Login(ctx context.Context, creds domain.LoginCredentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	user, token, err := m.identity.Login(ctx, creds)
	if err != nil {
		m.clearAuth(ctx)
		return err
	}
	data, err := json.Marshal(user)
	if err != nil {
		m.clearAuth(ctx)
		return fmt.Errorf("encode user snapshot: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeyAuthToken, token); err != nil {
		m.clearAuth(ctx)
		return fmt.Errorf("persist token: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeyAuthUser, string(data)); err != nil {
		m.clearAuth(ctx)
		return fmt.Errorf("persist user snapshot: %w", err)
	}
	m.supersede()
	m.setState(domain.AuthState{IsAuthenticated: true, User: &user, Token: token})
	return nil
}

// Register creates an account without authenticating it.
func (m *Manager) Register(ctx context.Context, creds domain.RegisterCredentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	return m.identity.Register(ctx, creds)
}

// Logout purges the store and in-memory state unconditionally, with no
// network call.
func (m *Manager) Logout() {
	m.clearAuth(context.Background())
}

// UpdateProfile pushes the client-mutable fields to the identity
// service and refreshes both state and the stored snapshot.
func (m *Manager) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (domain.User, error) {
	if err := upd.Validate(); err != nil {
		return domain.User{}, err
	}
	state := m.State()
	if !state.IsAuthenticated {
		return domain.User{}, ErrNotAuthenticated
	}
	user, err := m.identity.UpdateProfile(ctx, state.Token, state.User.ID, upd)
	if err != nil {
		return domain.User{}, err
	}
	if data, err := json.Marshal(user); err == nil {
		if err := m.store.Set(ctx, storage.KeyAuthUser, string(data)); err != nil {
			slog.Warn("persist updated user snapshot", "err", err)
		}
	}
	m.supersede()
	m.setState(domain.AuthState{IsAuthenticated: true, User: &user, Token: state.Token})
	return user, nil
}

// ChangePassword rotates the password after the confirmation check.
func (m *Manager) ChangePassword(ctx context.Context, chg domain.ChangePassword) error {
	if err := chg.Validate(); err != nil {
		return err
	}
	state := m.State()
	if !state.IsAuthenticated {
		return ErrNotAuthenticated
	}
	return m.identity.ChangePassword(ctx, state.Token, chg)
}

// State returns a snapshot of the current authentication state.
func (m *Manager) State() domain.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.state)
}

// Ready reports whether Initialize has settled. Consumers must treat
// the window before that as loading, not as unauthenticated.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Subscribe returns a channel receiving state snapshots after each
// change, and a cancel function. A slow receiver only ever misses
// intermediate states, never the latest one.
func (m *Manager) Subscribe() (<-chan domain.AuthState, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan domain.AuthState, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

type checkResult struct {
	token string
	user  *domain.User
}

// supersede invalidates any in-flight validation so a result that
// straddles an auth mutation is discarded rather than applied.
func (m *Manager) supersede() {
	m.attempts.Add(1)
}

func (m *Manager) clearAuth(ctx context.Context) {
	m.supersede()
	if err := m.store.Delete(ctx, storage.KeyAuthToken); err != nil {
		slog.Warn("delete stored token", "err", err)
	}
	if err := m.store.Delete(ctx, storage.KeyAuthUser); err != nil {
		slog.Warn("delete stored user snapshot", "err", err)
	}
	m.setState(domain.AuthState{})
}

func (m *Manager) setState(state domain.AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	snap := cloneState(state)
	for _, ch := range m.subs {
		// Sends happen only under the lock, so drain-then-send cannot
		// block on the buffered channel.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *Manager) setReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
}

func cloneState(s domain.AuthState) domain.AuthState {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// tokenExpired peeks at the token's exp claim without verifying the
// signature; verification belongs to the identity service. Tokens that
// do not parse as JWTs are left for the server to judge.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

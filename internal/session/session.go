// Package session persists the account session and serializes access-token
// refreshes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/store"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, uid, refreshToken string) (domain.TokenPair, error)
}

// Manager owns the "session" cache key.
type Manager struct {
	cache *store.Cache
	api   Refresher
	log   *slog.Logger
	sf    singleflight.Group

	mu           sync.RWMutex
	current      *domain.Session
	onMustLogOut func(error)
}

// NewManager returns a Manager; call [Manager.Load] to restore a session.
func NewManager(cache *store.Cache, api Refresher, logger *slog.Logger) *Manager {
	return &Manager{cache: cache, api: api, log: log.OrDefault(logger)}
}

// OnMustLogOut registers the callback invoked when the refresh token is
// rejected for good.
func (m *Manager) OnMustLogOut(fn func(error)) {
	m.mu.Lock()
	m.onMustLogOut = fn
	m.mu.Unlock()
}

// Load restores the persisted session. A leftover Expiring marker means a
// refresh was interrupted; it is cleared and persisted back.
func (m *Manager) Load(ctx context.Context) (*domain.Session, error) {
	var s domain.Session
	if _, err := m.cache.Load(ctx, store.KeySession, &s); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotLoggedIn
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !s.Valid() {
		return nil, domain.ErrNotLoggedIn
	}
	if s.Expiring {
		m.log.Warn("session refresh was interrupted; clearing marker", "uid", s.UID)
		s.Expiring = false
		if err := m.cache.Save(ctx, store.KeySession, s); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
	}
	m.set(&s)
	return clone(&s), nil
}

// Save persists s and makes it current.
func (m *Manager) Save(ctx context.Context, s *domain.Session) error {
	if !s.Valid() {
		return errors.New("session requires uid and access token")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.cache.Now()
	}
	if err := m.cache.Save(ctx, store.KeySession, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.set(s)
	return nil
}

// Clear forgets the session in memory and in the cache.
func (m *Manager) Clear(ctx context.Context) error {
	m.set(nil)
	if err := m.cache.Remove(ctx, store.KeySession); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Current returns a copy of the live session, or nil.
func (m *Manager) Current() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.current)
}

func (m *Manager) set(s *domain.Session) {
	m.mu.Lock()
	m.current = clone(s)
	m.mu.Unlock()
}

// Refresh renews the access token. Concurrent callers join one request and
// share its outcome. A rejected refresh token yields a
// [domain.RefreshTokenError] and triggers the must-log-out callback once.
func (m *Manager) Refresh(ctx context.Context) (*domain.Session, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*domain.Session)), nil
}

func (m *Manager) refresh(ctx context.Context) (*domain.Session, error) {
	s := m.Current()
	if !s.Valid() {
		return nil, domain.ErrNotLoggedIn
	}

	s.Expiring = true
	if err := m.cache.Save(ctx, store.KeySession, s); err != nil {
		m.log.Warn("failed to persist expiring marker", "err", err)
	}

	pair, err := m.api.Refresh(ctx, s.UID, s.RefreshToken)
	if err != nil {
		if terminalRefreshError(err) {
			rte := &domain.RefreshTokenError{Err: err}
			m.log.Warn("refresh token rejected; sign-out required", "uid", s.UID, "err", err)
			_ = m.Clear(ctx)
			m.mu.RLock()
			notify := m.onMustLogOut
			m.mu.RUnlock()
			if notify != nil {
				notify(rte)
			}
			return nil, rte
		}
		s.Expiring = false
		if serr := m.cache.Save(ctx, store.KeySession, s); serr != nil {
			m.log.Warn("failed to clear expiring marker", "err", serr)
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	next := &domain.Session{
		UID:          s.UID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Scopes:       pair.Scopes,
		UpdatedAt:    m.cache.Now(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = s.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = s.Scopes
	}
	if err := m.Save(ctx, next); err != nil {
		return nil, err
	}
	m.log.Debug("session refreshed", "uid", next.UID)
	return next, nil
}

func terminalRefreshError(err error) bool {
	if domain.IsInvalidRefreshToken(err) {
		return true
	}
	var ae *domain.APIError
	return errors.As(err, &ae) && ae.HTTPStatus == 422
}

// Source yields the live session and refreshes it on demand. [Manager]
// implements it.
type Source interface {
	Current() *domain.Session
	Refresh(ctx context.Context) (*domain.Session, error)
}

// Do runs fn with the current session. When fn fails with an invalid
// access token, the session is refreshed once and fn retried once.
func Do[T any](ctx context.Context, m Source, fn func(context.Context, *domain.Session) (T, error)) (T, error) {
	var zero T
	s := m.Current()
	if !s.Valid() {
		return zero, domain.ErrNotLoggedIn
	}
	v, err := fn(ctx, s)
	if err == nil || !domain.IsInvalidToken(err) {
		return v, err
	}
	s, rerr := m.Refresh(ctx)
	if rerr != nil {
		return zero, rerr
	}
	return fn(ctx, s)
}

func clone(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Scopes = append([]string(nil), s.Scopes...)
	return &c
}

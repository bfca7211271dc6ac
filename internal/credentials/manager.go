// Package credentials fetches, caches and renews the short-lived proxy
// credentials.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/store"
	"github.com/koltyakov/proxyvpn/internal/timing"
)

const (
	defaultMaxAttempts = 3
	defaultHardCap     = 10
	defaultRetryDelay  = time.Second
	maxRetryDelay      = 30 * time.Second
	expiryGuard        = 10 * time.Second
	renewalMargin      = 10 // percent of lifetime
)

// Issuer issues proxy credentials for a session.
type Issuer interface {
	IssueCredentials(ctx context.Context, sess *domain.Session, duration time.Duration) (domain.Credentials, error)
}

// Sessions exposes the live session and its refresh.
type Sessions interface {
	Current() *domain.Session
	Refresh(ctx context.Context) (*domain.Session, error)
}

// Options configures [New].
type Options struct {
	Issuer   Issuer
	Sessions Sessions
	Cache    *store.Cache
	Duration time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Clock    timing.Clock

	// MaxAttempts bounds retries while not idle; HardCap bounds them always.
	MaxAttempts int
	HardCap     int
	RetryDelay  time.Duration
	// Idle reports whether the host is idle. Retries continue past
	// MaxAttempts while idle.
	Idle func() bool
}

// Manager is the single owner of the "credentials" cache key.
type Manager struct {
	issuer   Issuer
	sessions Sessions
	cache    *store.Cache
	duration time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    timing.Clock

	maxAttempts int
	hardCap     int
	retryDelay  time.Duration
	idle        func() bool

	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group

	mu          sync.Mutex
	last        domain.Credentials
	attempts    int
	renewal     *time.Timer
	nextRenewal time.Time
	onGiveUp    func(error)
	onRenewed   func(domain.Credentials)
}

// New returns a Manager. Call [Manager.Stop] to release its timer.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		issuer:      opts.Issuer,
		sessions:    opts.Sessions,
		cache:       opts.Cache,
		duration:    opts.Duration,
		log:         log.OrDefault(opts.Logger),
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		hardCap:     opts.HardCap,
		retryDelay:  opts.RetryDelay,
		idle:        opts.Idle,
		ctx:         ctx,
		cancel:      cancel,
	}
	if m.duration <= 0 {
		m.duration = 30 * time.Minute
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.hardCap < m.maxAttempts {
		m.hardCap = max(defaultHardCap, m.maxAttempts)
	}
	if m.retryDelay <= 0 {
		m.retryDelay = defaultRetryDelay
	}
	if m.idle == nil {
		m.idle = func() bool { return false }
	}
	if m.clock == nil && m.cache != nil {
		m.clock = m.cache.Now
	}
	return m
}

// OnGiveUp registers the callback run when a fetch stops retrying.
func (m *Manager) OnGiveUp(fn func(error)) {
	m.mu.Lock()
	m.onGiveUp = fn
	m.mu.Unlock()
}

// OnRenewed registers the callback run after every accepted fetch.
func (m *Manager) OnRenewed(fn func(domain.Credentials)) {
	m.mu.Lock()
	m.onRenewed = fn
	m.mu.Unlock()
}

// Duration is the requested credential lifetime.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

func (m *Manager) sessionUID() string {
	if s := m.sessions.Current(); s != nil {
		return s.UID
	}
	return ""
}

// Get returns cached credentials while they are before their half-life for
// the current session, and otherwise joins or starts the single in-flight
// fetch. tryReAuth skips the cache and always fetches.
func (m *Manager) Get(ctx context.Context, tryReAuth bool) (domain.Credentials, error) {
	uid := m.sessionUID()
	if uid == "" {
		return domain.Credentials{}, domain.ErrNotLoggedIn
	}
	if !tryReAuth {
		m.mu.Lock()
		c := m.last
		m.mu.Unlock()
		if !c.IsZero() && c.SessionUID == uid && m.clock.Now().Before(c.HalfLife()) {
			m.metrics.CredentialFetch("cached")
			return c, nil
		}
	}

	ch := m.sf.DoChan("fetch", func() (any, error) {
		return m.fetch(m.ctx)
	})
	select {
	case <-ctx.Done():
		return domain.Credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credentials{}, res.Err
		}
		return res.Val.(domain.Credentials), nil
	}
}

// fetch runs the bounded retry loop.
func (m *Manager) fetch(ctx context.Context) (domain.Credentials, error) {
	for {
		creds, err := m.fetchOnce(ctx)
		if err == nil {
			accepted := m.accept(ctx, creds)
			m.metrics.CredentialFetch("ok")
			return accepted, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Credentials{}, ctxErr
		}

		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()

		// Transport failures retry up to the hard cap.
		idle := m.idle() || domain.IsNetworkError(err)
		if !domain.IsRetriable(err) || (!idle && attempts > m.maxAttempts) || attempts >= m.hardCap {
			m.metrics.CredentialFetch("gave_up")
			if domain.IsRetriable(err) {
				err = fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempts, err)
			}
			m.log.Warn("credential fetch gave up", "attempts", attempts, "idle", idle, "err", err)
			m.giveUp(err)
			return domain.Credentials{}, err
		}

		m.metrics.CredentialFetch("error")
		wait := m.retryWait(err, attempts)
		m.log.Info("credential fetch failed; retrying", "attempt", attempts, "retry_in", wait, "err", err)
		if derr := timing.Delay(ctx, wait, wait/4); derr != nil {
			return domain.Credentials{}, derr
		}
	}
}

func (m *Manager) retryWait(err error, attempts int) time.Duration {
	var ae *domain.APIError
	if errors.As(err, &ae) && !ae.RetryAfter.IsZero() {
		if d := ae.RetryAfter.Sub(m.clock.Now()); d > 0 {
			return min(d, maxRetryDelay)
		}
	}
	d := m.retryDelay
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// fetchOnce issues credentials; an invalid access token is refreshed and the
// request retried exactly once without counting as an attempt.
func (m *Manager) fetchOnce(ctx context.Context) (domain.Credentials, error) {
	sess := m.sessions.Current()
	if !sess.Valid() {
		return domain.Credentials{}, domain.ErrNotLoggedIn
	}
	creds, err := m.issuer.IssueCredentials(ctx, sess, m.duration)
	if err == nil || !domain.IsInvalidToken(err) {
		return creds, err
	}
	m.log.Debug("access token rejected; refreshing session")
	sess, err = m.sessions.Refresh(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}
	return m.issuer.IssueCredentials(ctx, sess, m.duration)
}

// accept applies the monotonic replacement rule against both the in-memory
// and the persisted value, persists the winner and re-arms the renewal.
func (m *Manager) accept(ctx context.Context, creds domain.Credentials) domain.Credentials {
	var persisted domain.Credentials
	if m.cache != nil {
		if _, err := m.cache.Load(ctx, store.KeyCredentials, &persisted); err != nil {
			persisted = domain.Credentials{}
		}
	}

	m.mu.Lock()
	m.attempts = 0
	winner := creds
	for _, prev := range []domain.Credentials{m.last, persisted} {
		if !winner.Replaces(&prev) {
			winner = prev
		}
	}
	m.last = winner
	renewed := m.onRenewed
	m.armLocked(winner)
	m.mu.Unlock()

	if winner == creds && m.cache != nil {
		if err := m.cache.Save(ctx, store.KeyCredentials, winner); err != nil {
			m.log.Warn("failed to persist credentials", "err", err)
		}
	}
	if renewed != nil {
		renewed(winner)
	}
	return winner
}

// armLocked schedules renewal one margin (10% of the lifetime) before
// expiry, jittered by that same margin. Caller holds m.mu.
func (m *Manager) armLocked(c domain.Credentials) {
	if m.renewal != nil {
		m.renewal.Stop()
		m.renewal = nil
	}
	if m.ctx.Err() != nil {
		return
	}
	lifetime := c.Lifetime()
	margin := lifetime * renewalMargin / 100
	delay := timing.Jitter(lifetime-margin, margin)
	// The pair may be older than its issuance (restored from cache).
	delay -= m.clock.Now().Sub(c.IssuedAt)
	delay = max(delay, 0)
	m.nextRenewal = m.clock.Now().Add(delay)
	uid := c.SessionUID
	m.renewal = time.AfterFunc(delay, func() {
		if m.ctx.Err() != nil || m.sessionUID() != uid {
			return
		}
		if _, err := m.Get(m.ctx, true); err != nil {
			m.log.Warn("scheduled credential renewal failed", "err", err)
		}
	})
}

func (m *Manager) giveUp(err error) {
	m.mu.Lock()
	m.attempts = 0
	fn := m.onGiveUp
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Synchronous returns the last known credentials for the current session
// without I/O. Within 10s of expiry it starts a background refresh.
func (m *Manager) Synchronous() (domain.Credentials, bool) {
	uid := m.sessionUID()
	m.mu.Lock()
	c := m.last
	m.mu.Unlock()
	if c.IsZero() || uid == "" || c.SessionUID != uid {
		return domain.Credentials{}, false
	}
	if !m.clock.Now().Before(c.ExpiresAt.Add(-expiryGuard)) {
		m.background()
	}
	if !m.clock.Now().Before(c.ExpiresAt) {
		return domain.Credentials{}, false
	}
	return c, true
}

// Warm triggers a background fetch when the cached pair is missing or past
// its half-life.
func (m *Manager) Warm() {
	uid := m.sessionUID()
	if uid == "" {
		return
	}
	m.mu.Lock()
	c := m.last
	m.mu.Unlock()
	if c.IsZero() || c.SessionUID != uid || !m.clock.Now().Before(c.HalfLife()) {
		m.background()
	}
}

func (m *Manager) background() {
	go func() {
		if _, err := m.Get(m.ctx, false); err != nil && m.ctx.Err() == nil {
			m.log.Debug("background credential fetch failed", "err", err)
		}
	}()
}

// Restore loads persisted credentials of the current session so a restart
// does not need a fetch.
func (m *Manager) Restore(ctx context.Context) bool {
	uid := m.sessionUID()
	var c domain.Credentials
	if uid == "" || m.cache == nil {
		return false
	}
	if _, err := m.cache.Load(ctx, store.KeyCredentials, &c); err != nil {
		return false
	}
	if c.IsZero() || c.SessionUID != uid || !m.clock.Now().Before(c.ExpiresAt) {
		return false
	}
	m.mu.Lock()
	if c.Replaces(&m.last) {
		m.last = c
		m.armLocked(c)
	}
	m.mu.Unlock()
	return true
}

// Invalidate drops the in-memory pair so the next Get fetches.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.last = domain.Credentials{}
	m.mu.Unlock()
}

// Clear cancels renewal and forgets the pair everywhere.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.last = domain.Credentials{}
	m.attempts = 0
	m.nextRenewal = time.Time{}
	if m.renewal != nil {
		m.renewal.Stop()
		m.renewal = nil
	}
	m.mu.Unlock()
	if m.cache == nil {
		return nil
	}
	if err := m.cache.Remove(ctx, store.KeyCredentials); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// CancelRenewal stops the renewal timer and keeps the current pair.
func (m *Manager) CancelRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.renewal != nil {
		m.renewal.Stop()
		m.renewal = nil
	}
	m.nextRenewal = time.Time{}
}

// Stop cancels renewal and any in-flight retry delay.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	if m.renewal != nil {
		m.renewal.Stop()
		m.renewal = nil
	}
	m.nextRenewal = time.Time{}
	m.mu.Unlock()
}

// NextRenewal is when the renewal timer fires; zero when none is armed.
func (m *Manager) NextRenewal() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRenewal
}

// Attempts is the number of consecutive failed fetch attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

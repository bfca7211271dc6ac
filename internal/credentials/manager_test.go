package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSessions struct {
	mu        sync.Mutex
	sess      *domain.Session
	refreshes atomic.Int32
}

func (f *fakeSessions) Current() *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil
	}
	c := *f.sess
	return &c
}

func (f *fakeSessions) Refresh(context.Context) (*domain.Session, error) {
	f.refreshes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess.AccessToken = "access-2"
	c := *f.sess
	return &c, nil
}

type issueFunc func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error)

type fakeIssuer struct {
	calls atomic.Int32
	fn    issueFunc
}

func (f *fakeIssuer) IssueCredentials(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
	f.calls.Add(1)
	return f.fn(ctx, sess, d)
}

type harness struct {
	m      *Manager
	issuer *fakeIssuer
	sess   *fakeSessions
	clock  *fakeClock
	cache  *store.Cache
}

func newHarness(t *testing.T, fn issueFunc, mutate func(*Options)) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	h := &harness{
		issuer: &fakeIssuer{fn: fn},
		sess:   &fakeSessions{sess: &domain.Session{UID: "s1", AccessToken: "access-1", RefreshToken: "r"}},
		clock:  clk,
		cache:  store.NewCache(store.NewMemory(), clk.Now),
	}
	opts := Options{
		Issuer:     h.issuer,
		Sessions:   h.sess,
		Cache:      h.cache,
		Duration:   time.Hour,
		Clock:      clk.Now,
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = New(opts)
	t.Cleanup(h.m.Stop)
	return h
}

// issueAt returns an issuer answering like the API with Expire seconds.
func issueAt(clk *fakeClock, user string, expire int64) issueFunc {
	return func(_ context.Context, sess *domain.Session, _ time.Duration) (domain.Credentials, error) {
		now := clk.Now()
		return domain.Credentials{
			Username:   user,
			Password:   "p",
			Expire:     expire,
			SessionUID: sess.UID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(time.Duration(expire) * time.Second),
		}, nil
	}
}

func TestConcurrentGetIsSingleflight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		<-release
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)

	const n = 10
	var wg sync.WaitGroup
	var entered atomic.Int32
	results := make([]domain.Credentials, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entered.Add(1)
			results[i], errs[i] = h.m.Get(context.Background(), false)
		}()
	}
	deadline := time.Now().Add(time.Second)
	for (entered.Load() < n || h.issuer.calls.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := h.issuer.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one network call, got %d", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different value", i)
		}
	}
}

func TestGetSchedulesRenewalAtNinetyPercent(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)

	creds, err := h.m.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if creds.Username != "u" || creds.Password != "p" || creds.Expire != 3600 {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	in := h.m.NextRenewal().Sub(h.clock.Now())
	if in < 2880*time.Second || in > 3600*time.Second {
		t.Fatalf("renewal in %s, want about 0.9 x 3600s", in)
	}

	again, err := h.m.Get(context.Background(), false)
	if err != nil || again != creds {
		t.Fatalf("expected cached credentials, got %+v, %v", again, err)
	}
	if h.issuer.calls.Load() != 1 {
		t.Fatalf("expected cached answer, got %d calls", h.issuer.calls.Load())
	}
	var persisted domain.Credentials
	if _, err := h.cache.Load(context.Background(), store.KeyCredentials, &persisted); err != nil || persisted.Username != "u" {
		t.Fatalf("expected persisted credentials, got %+v, %v", persisted, err)
	}
}

func TestGetRefetchesAfterHalfLife(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)
	ctx := context.Background()

	if _, err := h.m.Get(ctx, false); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(29 * time.Minute)
	_, _ = h.m.Get(ctx, false)
	if h.issuer.calls.Load() != 1 {
		t.Fatal("fresh credentials must be served from cache")
	}
	h.clock.Advance(2 * time.Minute)
	_, _ = h.m.Get(ctx, false)
	if h.issuer.calls.Load() != 2 {
		t.Fatalf("expected refetch past half-life, got %d calls", h.issuer.calls.Load())
	}
	_, _ = h.m.Get(ctx, true)
	if h.issuer.calls.Load() != 3 {
		t.Fatal("tryReAuth must bypass the cache")
	}
}

func TestInvalidTokenRefreshesOnce(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		if sess.AccessToken == "access-1" {
			return domain.Credentials{}, &domain.APIError{HTTPStatus: 401, Code: domain.CodeInvalidAccessToken}
		}
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)

	if _, err := h.m.Get(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if h.sess.refreshes.Load() != 1 || h.issuer.calls.Load() != 2 {
		t.Fatalf("expected one refresh and two issue calls, got %d and %d", h.sess.refreshes.Load(), h.issuer.calls.Load())
	}
	if h.m.Attempts() != 0 {
		t.Fatalf("token refresh must not count as an attempt, got %d", h.m.Attempts())
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		if h.issuer.calls.Load() < 3 {
			return domain.Credentials{}, &domain.APIError{HTTPStatus: 503}
		}
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)

	if _, err := h.m.Get(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if h.issuer.calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", h.issuer.calls.Load())
	}
	if h.m.Attempts() != 0 {
		t.Fatalf("attempts must reset on success, got %d", h.m.Attempts())
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, *domain.Session, time.Duration) (domain.Credentials, error) {
		return domain.Credentials{}, &domain.APIError{HTTPStatus: 429}
	}, nil)
	var gaveUp atomic.Value
	h.m.OnGiveUp(func(err error) { gaveUp.Store(err) })

	_, err := h.m.Get(context.Background(), false)
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := h.issuer.calls.Load(); got != 4 {
		t.Fatalf("expected 4 calls (3 retries past the first), got %d", got)
	}
	if v, _ := gaveUp.Load().(error); !errors.Is(v, domain.ErrRetriesExhausted) {
		t.Fatalf("expected give-up callback, got %v", v)
	}
}

func TestIdleKeepsRetryingUpToHardCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, *domain.Session, time.Duration) (domain.Credentials, error) {
		return domain.Credentials{}, &domain.NetworkError{Op: "dial", Err: errors.New("network is unreachable")}
	}, func(o *Options) {
		o.Idle = func() bool { return true }
		o.HardCap = 6
	})

	if _, err := h.m.Get(context.Background(), false); err == nil {
		t.Fatal("expected failure")
	}
	if got := h.issuer.calls.Load(); got != 6 {
		t.Fatalf("expected hard cap of 6 calls, got %d", got)
	}
}

func TestNetworkErrorsRetryPastMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, *domain.Session, time.Duration) (domain.Credentials, error) {
		return domain.Credentials{}, &domain.NetworkError{Op: "dial", Err: errors.New("connection refused")}
	}, func(o *Options) { o.HardCap = 7 })
	var gaveUp atomic.Value
	h.m.OnGiveUp(func(err error) { gaveUp.Store(err) })

	_, err := h.m.Get(context.Background(), false)
	if !errors.Is(err, domain.ErrRetriesExhausted) || !domain.IsNetworkError(err) {
		t.Fatalf("expected exhausted network error, got %v", err)
	}
	if got := h.issuer.calls.Load(); got != 7 {
		t.Fatalf("network errors must retry up to the hard cap, got %d calls", got)
	}
	if v, _ := gaveUp.Load().(error); !domain.IsNetworkError(v) {
		t.Fatalf("give-up must carry the network error, got %v", v)
	}
}

func TestConcurrentGetSharesFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	forbidden := &domain.APIError{HTTPStatus: 403, Message: "forbidden"}
	h := newHarness(t, func(context.Context, *domain.Session, time.Duration) (domain.Credentials, error) {
		<-release
		return domain.Credentials{}, forbidden
	}, nil)
	var gaveUp atomic.Int32
	h.m.OnGiveUp(func(error) { gaveUp.Add(1) })

	const n = 10
	var wg sync.WaitGroup
	var entered atomic.Int32
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entered.Add(1)
			_, errs[i] = h.m.Get(context.Background(), false)
		}()
	}
	deadline := time.Now().Add(time.Second)
	for (entered.Load() < n || h.issuer.calls.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := h.issuer.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one network call, got %d", got)
	}
	for i := range n {
		if !errors.Is(errs[i], forbidden) {
			t.Fatalf("caller %d: expected the shared rejection, got %v", i, errs[i])
		}
	}
	if gaveUp.Load() != 1 {
		t.Fatalf("expected one give-up for the shared fetch, got %d", gaveUp.Load())
	}
}

func TestNonRetriableErrorGivesUpImmediately(t *testing.T) {
	t.Parallel()

	forbidden := &domain.APIError{HTTPStatus: 403, Message: "forbidden"}
	h := newHarness(t, func(context.Context, *domain.Session, time.Duration) (domain.Credentials, error) {
		return domain.Credentials{}, forbidden
	}, nil)
	var gaveUp atomic.Int32
	h.m.OnGiveUp(func(error) { gaveUp.Add(1) })

	_, err := h.m.Get(context.Background(), false)
	if !errors.Is(err, forbidden) || errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("expected the api error itself, got %v", err)
	}
	if h.issuer.calls.Load() != 1 || gaveUp.Load() != 1 {
		t.Fatalf("expected one call and one give-up, got %d and %d", h.issuer.calls.Load(), gaveUp.Load())
	}
}

func TestOlderFetchDoesNotClobberNewerPersisted(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "older", 600)(ctx, sess, d)
	}, nil)
	ctx := context.Background()
	newer := domain.Credentials{
		Username: "newer", Password: "p", Expire: 3600, SessionUID: "s1",
		IssuedAt: h.clock.Now(), ExpiresAt: h.clock.Now().Add(time.Hour),
	}
	if err := h.cache.Save(ctx, store.KeyCredentials, newer); err != nil {
		t.Fatal(err)
	}

	got, err := h.m.Get(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "newer" {
		t.Fatalf("expected the newer persisted pair to win, got %q", got.Username)
	}
	var persisted domain.Credentials
	_, _ = h.cache.Load(ctx, store.KeyCredentials, &persisted)
	if persisted.Username != "newer" {
		t.Fatalf("cache must stay unchanged, got %q", persisted.Username)
	}
}

func TestSynchronousAndRestore(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)
	ctx := context.Background()

	if _, ok := h.m.Synchronous(); ok {
		t.Fatal("no credentials expected before the first fetch")
	}
	if _, err := h.m.Get(ctx, false); err != nil {
		t.Fatal(err)
	}
	if c, ok := h.m.Synchronous(); !ok || c.Username != "u" {
		t.Fatalf("expected synchronous credentials, got %+v %v", c, ok)
	}

	// A fresh manager over the same cache restores without a fetch.
	m2 := New(Options{Issuer: h.issuer, Sessions: h.sess, Cache: h.cache, Clock: h.clock.Now})
	defer m2.Stop()
	if !m2.Restore(ctx) {
		t.Fatal("expected restore to succeed")
	}
	if c, ok := m2.Synchronous(); !ok || c.Username != "u" {
		t.Fatalf("expected restored credentials, got %+v %v", c, ok)
	}

	// Close to expiry, Synchronous still answers and refreshes in background.
	h.clock.Advance(time.Hour - 5*time.Second)
	if _, ok := h.m.Synchronous(); !ok {
		t.Fatal("expected credentials until expiry")
	}
	deadline := time.Now().Add(time.Second)
	for h.issuer.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.issuer.calls.Load() < 2 {
		t.Fatal("expected a background refresh near expiry")
	}
}

func TestClearCancelsRenewal(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)
	ctx := context.Background()

	if _, err := h.m.Get(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.m.NextRenewal().IsZero() {
		t.Fatal("expected renewal cancelled")
	}
	if _, ok := h.m.Synchronous(); ok {
		t.Fatal("expected no credentials after clear")
	}
	if _, err := h.cache.Store().Get(ctx, store.KeyCredentials); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected persisted credentials removed, got %v", err)
	}
}

func TestCancelRenewalKeepsPair(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, func(ctx context.Context, sess *domain.Session, d time.Duration) (domain.Credentials, error) {
		return issueAt(h.clock, "u", 3600)(ctx, sess, d)
	}, nil)

	if _, err := h.m.Get(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	h.m.CancelRenewal()
	if !h.m.NextRenewal().IsZero() {
		t.Fatal("expected renewal cancelled")
	}
	if c, ok := h.m.Synchronous(); !ok || c.Username != "u" {
		t.Fatalf("expected pair kept, got %+v ok=%v", c, ok)
	}
}

func TestGetRequiresSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.sess.mu.Lock()
	h.sess.sess = nil
	h.sess.mu.Unlock()
	if _, err := h.m.Get(context.Background(), false); !errors.Is(err, domain.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
}

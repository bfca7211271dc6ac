package servers

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

type testSessions struct{}

func (testSessions) Current() *domain.Session {
	return &domain.Session{UID: "uid", AccessToken: "token"}
}

func (testSessions) Refresh(context.Context) (*domain.Session, error) {
	return &domain.Session{UID: "uid", AccessToken: "token-2"}, nil
}

type fakeDirectoryAPI struct {
	mu           sync.Mutex
	list         []domain.Logical
	modified     time.Time
	loads        []domain.LogicalLoad
	alternatives []domain.Logical
	altErr       error
	sinces       []time.Time

	logicalsCalls atomic.Int32
	loadsCalls    atomic.Int32
}

func (f *fakeDirectoryAPI) Logicals(_ context.Context, _ *domain.Session, since time.Time) (domain.LogicalList, error) {
	f.logicalsCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if !since.IsZero() && !f.modified.After(since) {
		return domain.LogicalList{}, domain.ErrNotModified
	}
	return domain.LogicalList{Logicals: append([]domain.Logical(nil), f.list...), LastModified: f.modified}, nil
}

func (f *fakeDirectoryAPI) Loads(context.Context, *domain.Session) ([]domain.LogicalLoad, error) {
	f.loadsCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, nil
}

func (f *fakeDirectoryAPI) Alternatives(context.Context, *domain.Session, string) ([]domain.Logical, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alternatives, f.altErr
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDirectory(api *fakeDirectoryAPI) (*Directory, *testClock, *store.Cache) {
	clk := &testClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cache := store.NewCache(store.NewMemory(), clk.Now)
	d := NewDirectory(DirectoryOptions{
		API:         api,
		Sessions:    testSessions{},
		Cache:       cache,
		TTL:         time.Hour,
		BlockingTTL: 4 * time.Hour,
	})
	return d, clk, cache
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDirectoryServesByAge(t *testing.T) {
	t.Parallel()

	api := &fakeDirectoryAPI{list: []domain.Logical{up("1", 0, 1)}, modified: time.Unix(1000, 0)}
	d, clk, _ := newTestDirectory(api)
	ctx := context.Background()

	list, err := d.Logicals(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("first fetch: %v %v", list, err)
	}
	clk.Advance(30 * time.Minute)
	if _, err := d.Logicals(ctx); err != nil || api.logicalsCalls.Load() != 1 {
		t.Fatalf("fresh list must be served from cache, calls=%d err=%v", api.logicalsCalls.Load(), err)
	}

	// Stale but within the blocking window: served immediately, refetched behind.
	clk.Advance(time.Hour)
	if list, err := d.Logicals(ctx); err != nil || len(list) != 1 {
		t.Fatalf("stale list: %v %v", list, err)
	}
	waitFor(t, func() bool { return api.logicalsCalls.Load() == 2 })

	api.mu.Lock()
	gotSince := api.sinces[1]
	api.mu.Unlock()
	if !gotSince.Equal(time.Unix(1000, 0)) {
		t.Fatalf("expected conditional fetch since last-modified, got %s", gotSince)
	}
}

func TestDirectoryBlocksPastBlockingTTL(t *testing.T) {
	t.Parallel()

	api := &fakeDirectoryAPI{list: []domain.Logical{up("1", 0, 1)}, modified: time.Unix(1000, 0)}
	d, clk, _ := newTestDirectory(api)
	ctx := context.Background()
	if _, err := d.Logicals(ctx); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.list = []domain.Logical{up("1", 0, 1), up("2", 0, 2)}
	api.modified = time.Unix(2000, 0)
	api.mu.Unlock()

	clk.Advance(5 * time.Hour)
	list, err := d.Logicals(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected blocking refetch with the new list, got %d %v", len(list), err)
	}
}

func TestDirectoryRestoresPersistedList(t *testing.T) {
	t.Parallel()

	api := &fakeDirectoryAPI{list: []domain.Logical{up("1", 0, 1)}, modified: time.Unix(1000, 0)}
	d, _, cache := newTestDirectory(api)
	ctx := context.Background()
	if _, err := d.Logicals(ctx); err != nil {
		t.Fatal(err)
	}

	restarted := NewDirectory(DirectoryOptions{API: api, Sessions: testSessions{}, Cache: cache, TTL: time.Hour})
	list, err := restarted.Logicals(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected restored list, got %v %v", list, err)
	}
	if api.logicalsCalls.Load() != 1 {
		t.Fatalf("restored list must not be refetched, calls=%d", api.logicalsCalls.Load())
	}
}

func TestDirectoryNotModifiedKeepsList(t *testing.T) {
	t.Parallel()

	api := &fakeDirectoryAPI{list: []domain.Logical{up("1", 0, 1)}, modified: time.Unix(1000, 0)}
	d, clk, _ := newTestDirectory(api)
	ctx := context.Background()
	if _, err := d.Logicals(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Hour)
	list, err := d.Refresh(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected cached list on 304, got %v %v", list, err)
	}
	if _, err := d.Logicals(ctx); err != nil || api.logicalsCalls.Load() != 2 {
		t.Fatalf("304 must reset the age, calls=%d err=%v", api.logicalsCalls.Load(), err)
	}
}

func TestRefreshLoadsAndIsLogicalUp(t *testing.T) {
	t.Parallel()

	api := &fakeDirectoryAPI{list: []domain.Logical{up("1", 0, 1), up("2", 0, 2)}, modified: time.Unix(1000, 0)}
	d, _, _ := newTestDirectory(api)
	ctx := context.Background()
	before, err := d.Logicals(ctx)
	if err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.loads = []domain.LogicalLoad{{ID: "1", Load: 90, Score: 9, Status: 0}, {ID: "2", Load: 10, Score: 0.5, Status: 1}}
	api.mu.Unlock()

	ok, err := d.IsLogicalUp(ctx, "1")
	if err != nil || ok {
		t.Fatalf("expected logical 1 down, got %v %v", ok, err)
	}
	ok, _ = d.IsLogicalUp(ctx, "2")
	if !ok {
		t.Fatal("expected logical 2 up")
	}
	if ok, _ := d.IsLogicalUp(ctx, "missing"); ok {
		t.Fatal("missing logical must be down")
	}
	if before[0].Status != 1 {
		t.Fatal("previously returned slices must not change")
	}
	l, _, _ := d.Logical(ctx, "2")
	if l.Load != 10 || l.Score != 0.5 {
		t.Fatalf("loads not applied: %+v", l)
	}
	if api.logicalsCalls.Load() != 1 {
		t.Fatal("loads refresh must not refetch the list")
	}
}

func TestAlternativePrefersCuratedList(t *testing.T) {
	t.Parallel()

	current := up("1", 0, 1)
	local := up("2", 0, 5)
	curatedHigh := up("8", 3, 0)
	curated := up("9", 0, 7)
	api := &fakeDirectoryAPI{
		list:         []domain.Logical{current, local},
		modified:     time.Unix(1000, 0),
		alternatives: []domain.Logical{current, curatedHigh, curated},
	}
	d, _, _ := newTestDirectory(api)
	ctx := context.Background()

	got, err := d.Alternative(ctx, "1", 0)
	if err != nil || got.ID != "9" {
		t.Fatalf("expected curated alternative 9, got %q %v", got.ID, err)
	}

	api.mu.Lock()
	api.alternatives = nil
	api.altErr = &domain.APIError{HTTPStatus: 500}
	api.mu.Unlock()
	got, err = d.Alternative(ctx, "1", 0)
	if err != nil || got.ID != "2" {
		t.Fatalf("expected local alternative 2, got %q %v", got.ID, err)
	}

	api.mu.Lock()
	api.list = []domain.Logical{current}
	api.mu.Unlock()
	d2, _, _ := newTestDirectory(api)
	if _, err := d2.Alternative(ctx, "1", 0); !errors.Is(err, domain.ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}

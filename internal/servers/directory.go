package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/session"
	"github.com/koltyakov/proxyvpn/internal/store"
)

const (
	defaultTTL         = 3 * time.Hour
	defaultBlockingTTL = 24 * time.Hour
)

// API is the subset of the REST client used by the directory.
type API interface {
	Logicals(ctx context.Context, sess *domain.Session, since time.Time) (domain.LogicalList, error)
	Loads(ctx context.Context, sess *domain.Session) ([]domain.LogicalLoad, error)
	Alternatives(ctx context.Context, sess *domain.Session, id string) ([]domain.Logical, error)
}

// DirectoryOptions configures [NewDirectory].
type DirectoryOptions struct {
	API      API
	Sessions session.Source
	Cache    *store.Cache
	Logger   *slog.Logger

	// TTL is how long the list is served without refetching. Between TTL
	// and BlockingTTL it is served stale while a refetch runs in the
	// background; past BlockingTTL callers wait for the refetch.
	TTL         time.Duration
	BlockingTTL time.Duration
}

// Directory owns the logicals-servers and logicals-lastModified keys.
type Directory struct {
	api         API
	sessions    session.Source
	cache       *store.Cache
	log         *slog.Logger
	ttl         time.Duration
	blockingTTL time.Duration
	sf          singleflight.Group

	mu        sync.RWMutex
	list      []domain.Logical
	modified  time.Time
	fetchedAt time.Time
	restored  bool
}

// NewDirectory returns a Directory backed by opts.Cache.
func NewDirectory(opts DirectoryOptions) *Directory {
	d := &Directory{
		api:         opts.API,
		sessions:    opts.Sessions,
		cache:       opts.Cache,
		log:         log.OrDefault(opts.Logger),
		ttl:         opts.TTL,
		blockingTTL: opts.BlockingTTL,
	}
	if d.ttl <= 0 {
		d.ttl = defaultTTL
	}
	if d.blockingTTL < d.ttl {
		d.blockingTTL = max(defaultBlockingTTL, d.ttl)
	}
	return d
}

// restore loads the persisted list once per process.
func (d *Directory) restore(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.restored {
		return
	}
	d.restored = true
	var list []domain.Logical
	env, err := d.cache.Load(ctx, store.KeyLogicals, &list)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.log.Warn("discarding cached server list", "err", err)
		}
		return
	}
	var modified time.Time
	_, _ = d.cache.Load(ctx, store.KeyLogicalsLastModified, &modified)
	d.list, d.modified, d.fetchedAt = list, modified, env.Time
}

func (d *Directory) snapshot() ([]domain.Logical, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.list == nil {
		return nil, time.Duration(math.MaxInt64)
	}
	return d.list, d.cache.Now().Sub(d.fetchedAt)
}

// Logicals returns the directory, refetching according to its age.
// The returned slice must not be modified.
func (d *Directory) Logicals(ctx context.Context) ([]domain.Logical, error) {
	d.restore(ctx)
	list, age := d.snapshot()
	switch {
	case list != nil && age < d.ttl:
		return list, nil
	case list != nil && age < d.blockingTTL:
		d.sf.DoChan("logicals", func() (any, error) {
			return d.refresh(context.WithoutCancel(ctx))
		})
		return list, nil
	}

	ch := d.sf.DoChan("logicals", func() (any, error) {
		return d.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if list != nil {
				d.log.Warn("server list refetch failed; serving stale list", "age", age, "err", res.Err)
				return list, nil
			}
			return nil, res.Err
		}
		return res.Val.([]domain.Logical), nil
	}
}

// Refresh forces a conditional refetch of the full list.
func (d *Directory) Refresh(ctx context.Context) ([]domain.Logical, error) {
	d.restore(ctx)
	v, err, _ := d.sf.Do("logicals", func() (any, error) {
		return d.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Logical), nil
}

func (d *Directory) refresh(ctx context.Context) ([]domain.Logical, error) {
	d.mu.RLock()
	since := d.modified
	if d.list == nil {
		since = time.Time{}
	}
	d.mu.RUnlock()

	res, err := session.Do(ctx, d.sessions, func(ctx context.Context, s *domain.Session) (domain.LogicalList, error) {
		return d.api.Logicals(ctx, s, since)
	})
	now := d.cache.Now()
	if errors.Is(err, domain.ErrNotModified) {
		d.mu.Lock()
		d.fetchedAt = now
		list := d.list
		d.mu.Unlock()
		d.log.Debug("server list not modified", "since", since)
		d.persist(ctx, list, since)
		return list, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}

	d.mu.Lock()
	d.list, d.modified, d.fetchedAt = res.Logicals, res.LastModified, now
	d.mu.Unlock()
	d.log.Info("server list updated", "logicals", len(res.Logicals))
	d.persist(ctx, res.Logicals, res.LastModified)
	return res.Logicals, nil
}

func (d *Directory) persist(ctx context.Context, list []domain.Logical, modified time.Time) {
	if err := d.cache.Save(ctx, store.KeyLogicals, list); err != nil {
		d.log.Warn("failed to persist server list", "err", err)
		return
	}
	if !modified.IsZero() {
		if err := d.cache.Save(ctx, store.KeyLogicalsLastModified, modified); err != nil {
			d.log.Warn("failed to persist server list timestamp", "err", err)
		}
	}
}

// RefreshLoads applies load, score and status from the loads endpoint to
// the cached list without refetching it.
func (d *Directory) RefreshLoads(ctx context.Context) error {
	d.restore(ctx)
	loads, err := session.Do(ctx, d.sessions, func(ctx context.Context, s *domain.Session) ([]domain.LogicalLoad, error) {
		return d.api.Loads(ctx, s)
	})
	if err != nil {
		return fmt.Errorf("fetch loads: %w", err)
	}
	byID := make(map[string]domain.LogicalLoad, len(loads))
	for _, l := range loads {
		byID[l.ID] = l
	}

	d.mu.Lock()
	if d.list == nil {
		d.mu.Unlock()
		return nil
	}
	// Copy so slices handed out earlier stay unchanged.
	next := make([]domain.Logical, len(d.list))
	copy(next, d.list)
	for i := range next {
		if l, ok := byID[next[i].ID]; ok {
			next[i].Load, next[i].Score, next[i].Status = l.Load, l.Score, l.Status
		}
	}
	d.list = next
	d.mu.Unlock()

	if err := d.cache.Save(ctx, store.KeyLogicals, next); err != nil {
		d.log.Warn("failed to persist loads", "err", err)
	}
	return nil
}

// Logical returns the cached logical with id, fetching the list if needed.
func (d *Directory) Logical(ctx context.Context, id string) (domain.Logical, bool, error) {
	list, err := d.Logicals(ctx)
	if err != nil {
		return domain.Logical{}, false, err
	}
	l, ok := Find(list, id)
	return l, ok, nil
}

// IsLogicalUp refreshes loads and reports whether id is still up. A
// logical missing from the directory is down.
func (d *Directory) IsLogicalUp(ctx context.Context, id string) (bool, error) {
	if err := d.RefreshLoads(ctx); err != nil {
		return false, err
	}
	l, ok, err := d.Logical(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && l.IsUp(), nil
}

// Alternative returns a substitute for the logical excludeID: the best of
// the curated alternatives when any is eligible, otherwise a local match
// from the cached directory.
func (d *Directory) Alternative(ctx context.Context, excludeID string, tier int) (domain.Logical, error) {
	alts, err := session.Do(ctx, d.sessions, func(ctx context.Context, s *domain.Session) ([]domain.Logical, error) {
		return d.api.Alternatives(ctx, s, excludeID)
	})
	if err != nil {
		d.log.Warn("alternatives lookup failed; using local match", "server_id", excludeID, "err", err)
	}
	candidates := alts[:0:0]
	for _, l := range alts {
		if l.ID != excludeID {
			candidates = append(candidates, l)
		}
	}
	if best, ok := BestLogical(candidates, tier); ok {
		return best, nil
	}

	list, err := d.Logicals(ctx)
	if err != nil {
		return domain.Logical{}, err
	}
	orig, ok := Find(list, excludeID)
	if !ok {
		orig = domain.Logical{ID: excludeID, Tier: tier}
	}
	if best, ok := LocalAlternative(list, orig, tier); ok {
		return best, nil
	}
	return domain.Logical{}, fmt.Errorf("alternative for %s: %w", excludeID, domain.ErrNoServer)
}

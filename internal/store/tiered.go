package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
)

const fallbackSampleEvery = 100

type tier struct {
	name string
	s    Store
}

// TieredStore tries each tier in order and falls through to the next one
// when a tier fails. A miss (ErrNotFound) is an answer, not a failure.
type TieredStore struct {
	tiers   []tier
	sampler *log.Sampler
	metrics *metrics.Metrics
}

// TieredOptions configures [Tiered].
type TieredOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Memory replaces the process-wide memory tier, mostly for tests.
	Memory *Memory
}

// Tiered chains primary, secondary and the process-wide memory tier. Nil
// tiers are skipped.
func Tiered(primary, secondary Store, opts TieredOptions) *TieredStore {
	mem := opts.Memory
	if mem == nil {
		mem = Process()
	}
	t := &TieredStore{
		sampler: log.NewSampler(opts.Logger, fallbackSampleEvery),
		metrics: opts.Metrics,
	}
	if primary != nil {
		t.tiers = append(t.tiers, tier{name: "primary", s: primary})
	}
	if secondary != nil {
		t.tiers = append(t.tiers, tier{name: "secondary", s: secondary})
	}
	t.tiers = append(t.tiers, tier{name: "memory", s: mem})
	return t
}

func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	var errs []error
	for i, tr := range t.tiers {
		v, err := tr.s.Get(ctx, key)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			t.fellBack(i, tr.name, "get", key, errs)
			return v, err
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (t *TieredStore) Set(ctx context.Context, key string, value []byte) error {
	return t.each(ctx, "set", key, func(s Store) error { return s.Set(ctx, key, value) })
}

func (t *TieredStore) Remove(ctx context.Context, key string) error {
	return t.each(ctx, "remove", key, func(s Store) error { return s.Remove(ctx, key) })
}

func (t *TieredStore) each(_ context.Context, op, key string, fn func(Store) error) error {
	var errs []error
	for i, tr := range t.tiers {
		if err := fn(tr.s); err != nil {
			errs = append(errs, err)
			continue
		}
		t.fellBack(i, tr.name, op, key, errs)
		return nil
	}
	return errors.Join(errs...)
}

func (t *TieredStore) fellBack(i int, name, op, key string, errs []error) {
	if i == 0 {
		return
	}
	t.metrics.CacheFallback(name, op)
	if name == "memory" {
		t.sampler.Warn("cache-memory-"+op, "cache served from unpersisted memory tier",
			"op", op, "key", key, "err", errors.Join(errs...))
	}
}

// Close closes every tier except the shared memory tier.
func (t *TieredStore) Close() error {
	var errs []error
	for _, tr := range t.tiers {
		if tr.name == "memory" {
			continue
		}
		if err := tr.s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

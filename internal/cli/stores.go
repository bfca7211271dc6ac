package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/proxyvpn/internal/config"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/store"
	"github.com/koltyakov/proxyvpn/internal/store/redis"
	"github.com/koltyakov/proxyvpn/internal/store/sqlite"
)

const redisDialTimeout = 5 * time.Second

// stores is the opened cache stack.
type stores struct {
	cache *store.Cache
	local *sqlite.KV
	sync  *redis.KV
	tiers *store.TieredStore
}

func (s *stores) Close() error {
	return s.tiers.Close()
}

// openStores opens SQLite, Redis when configured, and chains them over the
// process memory tier. Session and credentials are sealed when a store key
// is set. An unreachable Redis is logged and skipped.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, m *metrics.Metrics) (*stores, error) {
	local, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}

	var syncTier *redis.KV
	var secondary store.Store
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		syncTier, err = redis.Open(dialCtx, redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cancel()
		if err != nil {
			logger.Warn("redis tier unavailable; continuing without it", "addr", cfg.RedisAddr, "err", err)
			syncTier = nil
		} else {
			secondary = syncTier
		}
	}

	tiers := store.Tiered(local, secondary, store.TieredOptions{Logger: logger, Metrics: m})
	sealed, err := store.Sealed(tiers, cfg.StoreKey, store.KeySession, store.KeyCredentials)
	if err != nil {
		return nil, errors.Join(err, tiers.Close())
	}
	return &stores{
		cache: store.NewCache(sealed, nil),
		local: local,
		sync:  syncTier,
		tiers: tiers,
	}, nil
}

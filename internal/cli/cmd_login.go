package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/proxyvpn/internal/config"
	"github.com/koltyakov/proxyvpn/internal/domain"
	ilog "github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/session"
	"github.com/koltyakov/proxyvpn/internal/store"
)

const purgeBatch = 500

// sessionKeys are dropped on logout; prefixedKeys are purged by prefix.
var (
	sessionKeys = []string{
		store.KeySession,
		store.KeyCredentials,
		store.KeyConnectedServer,
		store.KeyLastChoice,
		store.KeyClientConfig,
	}
	prefixedKeys = []string{
		store.KeyBackoffPrefix,
		store.KeyRetryAfterPrefix,
	}
)

func runLogin(ctx context.Context, args []string) int {
	cfg, err := config.ParseLoginFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	logger := ilog.NewWithWriter(os.Stderr, "warn")
	st, err := openStores(ctx, cfg.StoreConfig, logger, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	sessions := session.NewManager(st.cache, nil, logger)
	sess := &domain.Session{
		UID:          strings.TrimSpace(cfg.UID),
		AccessToken:  strings.TrimSpace(cfg.AccessToken),
		RefreshToken: strings.TrimSpace(cfg.RefreshToken),
	}
	if err := sessions.Save(ctx, sess); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	if cfg.StoreKey == "" {
		fmt.Fprintln(os.Stderr, "warning: PROXYVPN_STORE_KEY is not set; the session is stored unencrypted")
	}
	fmt.Println("session saved:", cfg.DBPath)
	return 0
}

func runLogout(ctx context.Context, args []string) int {
	cfg, fs, err := config.ParseStoreFlags("logout", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 2
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 2
	}
	logger := ilog.NewWithWriter(os.Stderr, "warn")
	st, err := openStores(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	removed, err := forget(ctx, st)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 1
	}
	fmt.Printf("logged out (%d cached entries removed)\n", removed)
	return 0
}

// forget removes the session and everything derived from it from every
// tier.
func forget(ctx context.Context, st *stores) (int, error) {
	var errs []error
	removed := 0
	for _, key := range sessionKeys {
		if err := st.cache.Remove(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
			continue
		}
		removed++
	}

	cutoff := time.Now().Add(time.Minute)
	for _, prefix := range prefixedKeys {
		keys, err := st.local.PurgePrefix(ctx, prefix, cutoff, purgeBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s*: %w", prefix, err))
			continue
		}
		removed += len(keys)
		for _, key := range keys {
			_ = st.cache.Remove(ctx, key)
		}
	}

	if st.sync != nil {
		keys, err := st.sync.Keys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list redis keys: %w", err))
		}
		for _, key := range keys {
			if !hasAnyPrefix(key, prefixedKeys) {
				continue
			}
			if err := st.sync.Remove(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

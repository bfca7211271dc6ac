// Package backoff persists exponential suspension windows for named
// operations so repeated failures back off longer but are eventually
// forgiven.
package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/koltyakov/proxyvpn/internal/store"
)

const (
	maxExpiration = 300 * time.Second
	maxForget     = 600 * time.Second
	forgetFloor   = 20 * time.Second
)

// State is the persisted suspension of one key.
type State struct {
	Expiration time.Time `json:"expiration"`
	Forget     time.Time `json:"forget"`
	Increment  int       `json:"increment"`
}

// Backoff tracks suspensions in the envelope cache under backoff-<key>.
type Backoff struct {
	cache *store.Cache

	mu  sync.Mutex
	txs map[string]*store.Transaction[State]
}

// New returns a Backoff reading time from the cache clock.
func New(cache *store.Cache) *Backoff {
	return &Backoff{cache: cache, txs: make(map[string]*store.Transaction[State])}
}

func (b *Backoff) tx(key string) *store.Transaction[State] {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[key]
	if !ok {
		tx = store.NewTransaction(b.cache, store.KeyBackoffPrefix+key, State{})
		b.txs[key] = tx
	}
	return tx
}

// Suspend records one more failure of key. The suspension lasts
// base·2^(n-1) capped at 300s, and the counter is forgotten base·2^n
// (capped at 600s) plus 20s from now.
func (b *Backoff) Suspend(ctx context.Context, key string, base time.Duration) (State, error) {
	now := b.cache.Now()
	return b.tx(key).Do(ctx, func(cur State, found bool) (State, error) {
		inc := 1
		if found && cur.Increment > 0 && !now.After(cur.Forget) {
			inc = cur.Increment + 1
		}
		return State{
			Expiration: now.Add(grow(base, inc-1, maxExpiration)),
			Forget:     now.Add(grow(base, inc, maxForget) + forgetFloor),
			Increment:  inc,
		}, nil
	})
}

// IsSuspended reports whether key is still within its suspension. State
// past its forget time is purged.
func (b *Backoff) IsSuspended(ctx context.Context, key string) bool {
	var st State
	if _, err := b.cache.Load(ctx, store.KeyBackoffPrefix+key, &st); err != nil {
		return false
	}
	now := b.cache.Now()
	if now.After(st.Forget) {
		_ = b.cache.Remove(ctx, store.KeyBackoffPrefix+key)
		return false
	}
	return !now.After(st.Expiration)
}

// Reset forgets key immediately.
func (b *Backoff) Reset(ctx context.Context, key string) error {
	return b.cache.Remove(ctx, store.KeyBackoffPrefix+key)
}

// grow returns base·2^exp capped at limit.
func grow(base time.Duration, exp int, limit time.Duration) time.Duration {
	d := base
	for range exp {
		if d >= limit {
			break
		}
		d *= 2
	}
	return min(d, limit)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Envelope wraps every cached value with its write time.
type Envelope struct {
	Time  time.Time       `json:"time"`
	Value json.RawMessage `json:"value"`
}

// Cache stores JSON values in timestamped envelopes.
type Cache struct {
	s   Store
	now func() time.Time
}

// NewCache wraps s. A nil now uses [time.Now].
func NewCache(s Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{s: s, now: now}
}

// Now returns the cache clock reading.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Store returns the underlying byte store.
func (c *Cache) Store() Store {
	return c.s
}

func (c *Cache) envelope(ctx context.Context, key string) (Envelope, error) {
	raw, err := c.s.Get(ctx, key)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode %s envelope: %w", key, err)
	}
	if env.Time.IsZero() || len(env.Value) == 0 {
		return Envelope{}, fmt.Errorf("decode %s envelope: missing time or value", key)
	}
	return env, nil
}

// Load decodes the value stored under key into v and returns the envelope.
func (c *Cache) Load(ctx context.Context, key string, v any) (Envelope, error) {
	env, err := c.envelope(ctx, key)
	if err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(env.Value, v); err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, nil
}

// Save stores v under key stamped with the current time.
func (c *Cache) Save(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	raw, err := json.Marshal(Envelope{Time: c.now(), Value: value})
	if err != nil {
		return err
	}
	return c.s.Set(ctx, key, raw)
}

// Remove deletes key.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.s.Remove(ctx, key)
}

// Age is now minus the envelope time, or [math.MaxInt64] when the entry is
// absent or malformed.
func (c *Cache) Age(ctx context.Context, key string) time.Duration {
	env, err := c.envelope(ctx, key)
	if err != nil {
		return math.MaxInt64
	}
	return c.now().Sub(env.Time)
}

// Transaction is a read-modify-write handle on one key.
type Transaction[T any] struct {
	cache *Cache
	key   string
	def   T

	mu   sync.Mutex
	inTx bool
}

// NewTransaction returns a handle for key; def is passed to the mutator
// when the key is absent or unreadable.
func NewTransaction[T any](c *Cache, key string, def T) *Transaction[T] {
	return &Transaction[T]{cache: c, key: key, def: def}
}

// Do loads the current value, applies mutate and saves the result. Calling
// Do on the same handle while a previous call is still running returns
// [domain.ErrTransactionInProgress]. This is not a cross-process lock.
func (tx *Transaction[T]) Do(ctx context.Context, mutate func(cur T, found bool) (T, error)) (T, error) {
	var zero T
	tx.mu.Lock()
	if tx.inTx {
		tx.mu.Unlock()
		return zero, fmt.Errorf("%s: %w", tx.key, domain.ErrTransactionInProgress)
	}
	tx.inTx = true
	tx.mu.Unlock()
	defer func() {
		tx.mu.Lock()
		tx.inTx = false
		tx.mu.Unlock()
	}()

	cur := tx.def
	found := true
	if _, err := tx.cache.Load(ctx, tx.key, &cur); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		cur, found = tx.def, false
	}
	next, err := mutate(cur, found)
	if err != nil {
		return zero, err
	}
	if err := tx.cache.Save(ctx, tx.key, next); err != nil {
		return zero, err
	}
	return next, nil
}

// Package store is the persistent cache layer: a byte-level key/value
// [Store] with sqlite, redis and in-memory backends, a tiered fallback
// chain, optional sealing of sensitive values, and a typed envelope cache
// with transactional read-modify-write.
package store

import (
	"context"
	"sync"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Well-known cache keys. Each key is owned by exactly one component.
const (
	KeyCredentials          = "credentials"
	KeySession              = "session"
	KeyLogicals             = "logicals-servers"
	KeyLogicalsLastModified = "logicals-lastModified"
	KeyLastChoice           = "last-choice"
	KeyConnectedServer      = "connectedServer"
	KeyClientConfig         = "client-config"
	KeyNeedsUpdate          = "needs-update"
	KeyBackoffPrefix        = "backoff-"
	KeyRetryAfterPrefix     = "retry-after-"
)

// Store is a namespaced byte-level key/value store. Get returns
// [domain.ErrNotFound] for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Memory is a map-backed [Store].
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

var process = NewMemory()

// Process returns the process-wide memory tier shared by every [Tiered]
// store. It is never persisted.
func Process() *Memory {
	return process
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Close is a no-op; memory contents stay available to other holders.
func (m *Memory) Close() error {
	return nil
}

// Len reports the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

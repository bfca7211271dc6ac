package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "proxyvpn store v1"

var errSealedTooShort = errors.New("sealed value too short")

// SealedStore encrypts values of selected keys with XChaCha20-Poly1305. The
// key name is bound as additional data so a value cannot be replayed under
// another key.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
	keys  []string
}

// Sealed wraps inner so the given keys are stored encrypted with a key
// derived from secret. An empty secret returns inner unchanged.
func Sealed(inner Store, secret string, keys ...string) (Store, error) {
	if secret == "" {
		return inner, nil
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), derived); err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, err
	}
	return &SealedStore{inner: inner, aead: aead, keys: keys}, nil
}

func (s *SealedStore) sealed(key string) bool {
	return len(s.keys) == 0 || slices.Contains(s.keys, key)
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.inner.Get(ctx, key)
	if err != nil || !s.sealed(key) {
		return v, err
	}
	n := s.aead.NonceSize()
	if len(v) < n {
		return nil, fmt.Errorf("open %s: %w", key, errSealedTooShort)
	}
	plain, err := s.aead.Open(nil, v[:n], v[n:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	if !s.sealed(key) {
		return s.inner.Set(ctx, key, value)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	return s.inner.Set(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *SealedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}

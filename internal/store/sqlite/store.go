// Package sqlite implements the primary persistent cache tier: a key/value
// table in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// KV wraps a SQLite database connection holding the kv table.
type KV struct {
	db *sql.DB

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	removeStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const getQuery = `SELECT value FROM kv WHERE key = ?`
const setQuery = `
INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
const removeQuery = `DELETE FROM kv WHERE key = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*KV, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is like [Open] with tunable connection pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*KV, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=synchronous(normal)")
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(min(maxIdleConns, maxOpenConns))

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	kv := &KV{db: db}
	if err := kv.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := kv.prepare(); err != nil {
		_ = kv.Close()
		return nil, err
	}
	return kv, nil
}

// Migrate creates the kv table if it does not exist.
func (s *KV) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_updated_at ON kv(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *KV) prepare() error {
	var err error
	if s.getStmt, err = s.db.Prepare(getQuery); err != nil {
		return err
	}
	if s.setStmt, err = s.db.Prepare(setQuery); err != nil {
		return err
	}
	s.removeStmt, err = s.db.Prepare(removeQuery)
	return err
}

// Close closes prepared statements and the database.
func (s *KV) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.getStmt, s.setStmt, s.removeStmt} {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return v, err
}

func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.setStmt.ExecContext(ctx, key, value, time.Now().UTC())
	return err
}

func (s *KV) Remove(ctx context.Context, key string) error {
	_, err := s.removeStmt.ExecContext(ctx, key)
	return err
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

package sqlite

import (
	"context"
	"strings"
	"time"
)

// PurgePrefix deletes up to limit keys starting with prefix whose last write
// is older than olderThan, oldest first, and returns the deleted keys.
func (s *KV) PurgePrefix(ctx context.Context, prefix string, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT key FROM kv
WHERE key LIKE ? ESCAPE '\' AND updated_at < ?
ORDER BY updated_at ASC
LIMIT ?`, escapeLike(prefix)+"%", olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err = rows.Scan(&k); err != nil {
			_ = rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(keys) > 0 {
		placeholders := strings.Repeat("?,", len(keys))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

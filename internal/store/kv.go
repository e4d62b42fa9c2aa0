package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetKV returns ErrNotFound if key is unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFoundf("GetKV")
		}
		return "", wrapBackend("GetKV", err)
	}
	return value, nil
}

// SetKV upserts a namespaced key/value pair, used as a crash-safe journal
// for release timers and resume sentinels.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
		`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return wrapBackend("SetKV", err)
		}
		return nil
	})
}

// DeleteKV removes key; absence is not an error.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?;`, key)
		if err != nil {
			return wrapBackend("DeleteKV", err)
		}
		return nil
	})
}

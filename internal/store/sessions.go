package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetSession returns ErrNotFound if folder has no session recorded.
func (s *Store) GetSession(ctx context.Context, folder string) (AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT folder, session_id, created_at FROM agent_sessions WHERE folder = ?;
	`, folder)
	var sess AgentSession
	var createdAt string
	err := row.Scan(&sess.Folder, &sess.SessionID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentSession{}, notFoundf("GetSession")
		}
		return AgentSession{}, wrapBackend("GetSession", err)
	}
	ts, perr := time.Parse(time.RFC3339Nano, createdAt)
	if perr != nil {
		return AgentSession{}, decodeErrorf("GetSession", perr)
	}
	sess.CreatedAt = ts
	return sess, nil
}

// SetSession replaces the session bound to folder (one-to-one, replaced on
// each successful agent run).
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (folder, session_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT (folder) DO UPDATE SET session_id = excluded.session_id, created_at = excluded.created_at;
		`, folder, sessionID, now)
		if err != nil {
			return wrapBackend("SetSession", err)
		}
		return nil
	})
}

// ExpireSessions deletes any session older than maxHours.
func (s *Store) ExpireSessions(ctx context.Context, maxHours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxHours) * time.Hour).Format(time.RFC3339Nano)
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return wrapBackend("ExpireSessions", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

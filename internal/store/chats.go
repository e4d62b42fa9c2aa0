package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// RegisterChat inserts a new chat row. Duplicate chat_id is a constraint
// violation the command handler translates into "Already registered."
func (s *Store) RegisterChat(ctx context.Context, c Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, display_name, folder, trigger_phrase, requires_trigger, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, c.ChatID, c.DisplayName, c.Folder, c.TriggerPhrase, boolToInt(c.RequiresTrigger), c.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			if isUniqueErr(err) {
				return constraintf("RegisterChat", err)
			}
			return wrapBackend("RegisterChat", err)
		}
		return nil
	})
}

// UnregisterChat deletes a chat row. Messages are retained.
func (s *Store) UnregisterChat(ctx context.Context, chatID string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?;`, chatID)
		if err != nil {
			return wrapBackend("UnregisterChat", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf("UnregisterChat")
		}
		return nil
	})
}

// GetChat returns ErrNotFound if chatID is not registered.
func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, display_name, folder, trigger_phrase, requires_trigger, created_at
		FROM chats WHERE chat_id = ?;
	`, chatID)
	return scanChat(row, "GetChat")
}

// ListChats returns every registered chat, ordered by chat_id.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, display_name, folder, trigger_phrase, requires_trigger, created_at
		FROM chats ORDER BY chat_id ASC;
	`)
	if err != nil {
		return nil, wrapBackend("ListChats", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChatRows(rows)
		if err != nil {
			return nil, decodeErrorf("ListChats", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("ListChats", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner, op string) (Chat, error) {
	var c Chat
	var requiresTrigger int
	var createdAt string
	err := row.Scan(&c.ChatID, &c.DisplayName, &c.Folder, &c.TriggerPhrase, &requiresTrigger, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, notFoundf(op)
		}
		return Chat{}, wrapBackend(op, err)
	}
	c.RequiresTrigger = requiresTrigger != 0
	ts, perr := time.Parse(time.RFC3339Nano, createdAt)
	if perr != nil {
		return Chat{}, decodeErrorf(op, perr)
	}
	c.CreatedAt = ts
	return c, nil
}

func scanChatRows(rows *sql.Rows) (Chat, error) {
	return scanChat(rows, "ListChats")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "PRIMARY KEY constraint") ||
		strings.Contains(msg, "constraint failed")
}

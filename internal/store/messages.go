package store

import (
	"context"
	"database/sql"
)

// StoreMessage inserts a message, ignoring the write if (chat_id,
// message_id) already exists: the first write wins, re-delivery from a
// transport is a no-op.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (chat_id, message_id, sender_id, sender_display, body, timestamp, is_from_self, is_bot_reply)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (chat_id, message_id) DO NOTHING;
		`, m.ChatID, m.MessageID, m.SenderID, m.SenderDisplay, m.Body, m.Timestamp, boolToInt(m.IsFromSelf), boolToInt(m.IsBotReply))
		if err != nil {
			return wrapBackend("StoreMessage", err)
		}
		return nil
	})
}

// MessagesSince returns up to 50 messages for chatID with timestamp
// strictly greater than tsExclusive, ordered ascending. ISO-8601 UTC
// timestamps order lexicographically so this is a plain string compare.
func (s *Store) MessagesSince(ctx context.Context, chatID, tsExclusive string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, sender_id, sender_display, body, timestamp, is_from_self, is_bot_reply
		FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp ASC
		LIMIT 50;
	`, chatID, tsExclusive)
	if err != nil {
		return nil, wrapBackend("MessagesSince", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, decodeErrorf("MessagesSince", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("MessagesSince", err)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var fromSelf, botReply int
	if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderDisplay, &m.Body, &m.Timestamp, &fromSelf, &botReply); err != nil {
		return Message{}, err
	}
	m.IsFromSelf = fromSelf != 0
	m.IsBotReply = botReply != 0
	return m, nil
}

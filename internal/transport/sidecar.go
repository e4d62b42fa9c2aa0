package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// sidecarEnvelope is the JSON-RPC-shaped wire format the sidecar speaks,
// a request/response envelope used here client-side (Borg dials the
// sidecar rather than accepting connections from it).
type sidecarEnvelope struct {
	Method string         `json:"method"`
	Params sidecarMessage `json:"params"`
}

type sidecarMessage struct {
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
	Sender      string `json:"sender"`
	SenderName  string `json:"sender_name"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
	MentionsBot bool   `json:"mentions_bot"`
	ChatTitle   string `json:"chat_title"`
	ChatType    string `json:"chat_type"`
}

// SidecarChannel bridges an external process supplying additional
// transport adapters (spec.md's glossary entry for "Sidecar") over a
// single persistent websocket connection.
type SidecarChannel struct {
	url    string
	logger *slog.Logger
	conn   *websocket.Conn
}

func NewSidecarChannel(url string, logger *slog.Logger) *SidecarChannel {
	return &SidecarChannel{url: url, logger: logger}
}

func (s *SidecarChannel) Name() string { return "sidecar" }

func (s *SidecarChannel) Start(ctx context.Context, inbox chan<- IncomingMessage) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("sidecar_dial_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		s.conn = conn
		backoff = time.Second

		readErr := s.readLoop(ctx, conn, inbox)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		if readErr == nil {
			return nil
		}
		s.logger.Warn("sidecar_disconnected", "error", readErr)
	}
}

func (s *SidecarChannel) readLoop(ctx context.Context, conn *websocket.Conn, inbox chan<- IncomingMessage) error {
	for {
		var env sidecarEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sidecar: read: %w", err)
		}
		if env.Method != "message.incoming" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, env.Params.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		inbox <- IncomingMessage{
			ChatID:      fmt.Sprintf("sidecar:%s", env.Params.ChatID),
			OriginalRef: env.Params.ChatID,
			MessageID:   env.Params.MessageID,
			Sender:      env.Params.Sender,
			SenderName:  env.Params.SenderName,
			Text:        env.Params.Text,
			Timestamp:   ts,
			MentionsBot: env.Params.MentionsBot,
			Transport:   "sidecar",
			ChatTitle:   env.Params.ChatTitle,
			ChatType:    env.Params.ChatType,
		}
	}
}

func (s *SidecarChannel) Send(ctx context.Context, originalRef, triggerMsgID, text string) error {
	if s.conn == nil {
		return fmt.Errorf("sidecar: not connected")
	}
	env := sidecarEnvelope{
		Method: "message.send",
		Params: sidecarMessage{
			ChatID:    originalRef,
			MessageID: triggerMsgID,
			Text:      text,
		},
	}
	return wsjson.Write(ctx, s.conn, env)
}

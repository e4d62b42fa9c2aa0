package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// waUpdate is the wire shape the configured WhatsApp bridge's REST API
// returns from /updates; the bridge itself is an external collaborator
// (spec.md §1's "out of scope" transport adapters) so this is deliberately
// minimal.
type waUpdate struct {
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	ChatTitle  string `json:"chat_title"`
	IsGroup    bool   `json:"is_group"`
	MentionsMe bool   `json:"mentions_me"`
}

// WAChannel is the "wa:" transport: a second bot-API integration sharing
// the Channel interface, generalized from TelegramChannel's reconnect
// shape but polling a generic REST bridge over net/http rather than a
// dedicated SDK — no WhatsApp client library appears anywhere in the
// examples pack, so this is the one transport where a plain HTTP client
// is the grounded choice rather than a stdlib fallback (see DESIGN.md).
type WAChannel struct {
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
	logger       *slog.Logger
}

func NewWAChannel(baseURL string, logger *slog.Logger) *WAChannel {
	return &WAChannel{
		baseURL:      baseURL,
		pollInterval: 2 * time.Second,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

func (w *WAChannel) Name() string { return "wa" }

func (w *WAChannel) Start(ctx context.Context, inbox chan<- IncomingMessage) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			updates, err := w.fetchUpdates(ctx)
			if err != nil {
				w.logger.Warn("wa_poll_failed", "error", err)
				continue
			}
			for _, u := range updates {
				inbox <- waToIncoming(u)
			}
		}
	}
}

func (w *WAChannel) fetchUpdates(ctx context.Context) ([]waUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/updates", nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wa bridge: status %d", resp.StatusCode)
	}
	var updates []waUpdate
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, fmt.Errorf("wa bridge: decode: %w", err)
	}
	return updates, nil
}

func waToIncoming(u waUpdate) IncomingMessage {
	ts, err := time.Parse(time.RFC3339, u.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	chatType := "private"
	if u.IsGroup {
		chatType = "group"
	}
	return IncomingMessage{
		ChatID:      fmt.Sprintf("wa:%s", u.ChatID),
		OriginalRef: u.ChatID,
		MessageID:   u.MessageID,
		Sender:      u.Sender,
		SenderName:  u.SenderName,
		Text:        u.Text,
		Timestamp:   ts,
		MentionsBot: u.MentionsMe,
		Transport:   "wa",
		ChatTitle:   u.ChatTitle,
		ChatType:    chatType,
	}
}

type waSendRequest struct {
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	ReplyToMessage string `json:"reply_to_message_id,omitempty"`
}

func (w *WAChannel) Send(ctx context.Context, originalRef, triggerMsgID, text string) error {
	body, err := json.Marshal(waSendRequest{ChatID: originalRef, Text: text, ReplyToMessage: triggerMsgID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wa bridge: send status %d", resp.StatusCode)
	}
	return nil
}

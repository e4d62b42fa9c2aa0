// Package transport defines the boundary between Borg's orchestration core
// and the concrete messaging platforms it listens on. Every adapter
// (Telegram, the WhatsApp stub, the sidecar bridge, the web dashboard)
// implements Channel and normalizes its platform-specific updates into
// IncomingMessage; IntegratorMain owns dispatch, so channels never call
// into the orchestrator directly.
package transport

import (
	"context"
	"time"
)

// IncomingMessage is the normalized shape every transport produces,
// regardless of platform.
type IncomingMessage struct {
	ChatID      string
	OriginalRef string
	MessageID   string
	Sender      string
	SenderName  string
	Text        string
	Timestamp   time.Time
	MentionsBot bool
	Transport   string
	ChatTitle   string
	ChatType    string
}

// Channel is one messaging platform integration.
type Channel interface {
	// Name returns the transport tag this channel produces IncomingMessage
	// values under (e.g. "tg", "wa", "sidecar", "web").
	Name() string

	// Start begins listening for messages, pushing each onto inbox, and
	// blocks until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context, inbox chan<- IncomingMessage) error

	// Send delivers a reply to originalRef, threaded off triggerMsgID where
	// the platform supports it.
	Send(ctx context.Context, originalRef, triggerMsgID, text string) error
}

package transport

import (
	"context"
	"fmt"
	"sync"
)

// WebChannel is the "web:" transport backing the local dashboard's chat
// box. Unlike the other channels it has no network loop of its own:
// internal/webapi's POST /api/chat handler calls Push directly, and its
// SSE broadcaster calls Subscribe to stream replies back out.
type WebChannel struct {
	chatID string

	mu   sync.Mutex
	subs map[int]chan string
	next int
}

const webDashboardChatID = "dashboard"

func NewWebChannel() *WebChannel {
	return &WebChannel{chatID: webDashboardChatID, subs: make(map[int]chan string)}
}

func (w *WebChannel) Name() string { return "web" }

// Start never returns early on its own; the dashboard has no poll loop,
// only Push and Subscribe, so Start just blocks until ctx is canceled.
func (w *WebChannel) Start(ctx context.Context, _ chan<- IncomingMessage) error {
	<-ctx.Done()
	return nil
}

// Push is called by internal/webapi's chat handler for every dashboard
// message submitted.
func (w *WebChannel) Push(inbox chan<- IncomingMessage, msg IncomingMessage) {
	msg.Transport = "web"
	msg.ChatID = fmt.Sprintf("web:%s", w.chatID)
	msg.OriginalRef = w.chatID
	inbox <- msg
}

func (w *WebChannel) Send(_ context.Context, _, _, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- text:
		default:
		}
	}
	return nil
}

// Subscribe registers an SSE client's delivery channel; the returned
// cancel func must be called on client disconnect and swap-removes the
// entry from the subscriber map.
func (w *WebChannel) Subscribe() (<-chan string, func()) {
	w.mu.Lock()
	id := w.next
	w.next++
	ch := make(chan string, 16)
	w.subs[id] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
		close(ch)
	}
}

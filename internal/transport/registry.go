package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds every configured Channel, keyed by transport tag, and
// runs them concurrently.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{channels: make(map[string]Channel), logger: logger}
}

func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

func (r *Registry) Get(transport string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[transport]
	return ch, ok
}

// StartAll launches every registered channel in its own goroutine, each
// feeding inbox, and returns immediately. Each channel's failure is logged
// but never stops the others — one dead transport shouldn't take down the
// rest (spec.md §5's "goroutine-per-transport, restart not required for
// v1" shape).
func (r *Registry) StartAll(ctx context.Context, inbox chan<- IncomingMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		ch := ch
		go func() {
			if err := ch.Start(ctx, inbox); err != nil && ctx.Err() == nil && r.logger != nil {
				r.logger.Error("transport_channel_failed", "transport", ch.Name(), "error", err)
			}
		}()
	}
}

// Send routes a reply to the channel named by transport, erroring if the
// transport isn't registered.
func (r *Registry) Send(ctx context.Context, transport, originalRef, triggerMsgID, text string) error {
	ch, ok := r.Get(transport)
	if !ok {
		return fmt.Errorf("transport: no channel registered for %q", transport)
	}
	return ch.Send(ctx, originalRef, triggerMsgID, text)
}

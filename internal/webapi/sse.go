package webapi

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// LogBroadcaster fans slog lines out to every GET /api/logs subscriber:
// each subscriber gets a buffered channel, and the broadcast loop selects
// on ctx.Done() vs the channel, writing one "data: ..." frame per line.
type LogBroadcaster struct {
	mu   sync.Mutex
	subs map[int]chan string
	next int
	cap  int
}

func NewLogBroadcaster(bufferPerSubscriber int) *LogBroadcaster {
	return &LogBroadcaster{subs: make(map[int]chan string), cap: bufferPerSubscriber}
}

func (b *LogBroadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (b *LogBroadcaster) subscribe() (<-chan string, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan string, b.cap)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
}

// streamLogs implements GET /api/logs: SSE of raw formatted log lines.
func (s *Server) streamLogs(c *gin.Context) {
	writeSSE(c, func(flush func(event string) bool) {
		ch, cancel := s.logs.subscribe()
		defer cancel()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				if !flush(line) {
					return
				}
			}
		}
	})
}

// streamChat implements GET /api/chat/stream: SSE of reply text destined
// for the dashboard chat box, sourced from WebChannel.Subscribe.
func (s *Server) streamChat(c *gin.Context) {
	if s.web == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dashboard chat channel not configured"})
		return
	}
	writeSSE(c, func(flush func(event string) bool) {
		ch, cancel := s.web.Subscribe()
		defer cancel()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case text, ok := <-ch:
				if !ok {
					return
				}
				if !flush(text) {
					return
				}
			}
		}
	})
}

// writeSSE sets the SSE headers, grabs the underlying http.Flusher, and
// runs body with a flush callback that writes one "data: ..." frame per
// call.
func writeSSE(c *gin.Context, body func(flush func(event string) bool)) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	body(func(event string) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", sseEscape(event)); err != nil {
			return false
		}
		flusher.Flush()
		return true
	})
}

// sseEscape collapses embedded newlines so a multi-line log entry still
// fits the single "data: ..." frame writeSSE emits.
func sseEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, ' ')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

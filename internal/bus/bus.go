// Package bus is the in-process pub/sub used to decouple IntegratorMain's
// tick loop from the dashboard's SSE broadcasters: ChatOrchestrator and
// PipelineDriver publish state-change events here, and internal/webapi
// subscribes to forward them to connected clients without holding a
// reference to either component.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Chat phase event topics.
const (
	TopicChatPhaseChanged = "chat.phase_changed"
	TopicChatReplySent    = "chat.reply_sent"
)

// Pipeline task event topics.
const (
	TopicTaskStatusChanged  = "task.status_changed"
	TopicTaskOutputAppended = "task.output_appended"
)

// Integration queue event topics.
const (
	TopicQueueEnqueued = "queue.enqueued"
	TopicQueueMerged   = "queue.merged"
	TopicQueueExcluded = "queue.excluded"
)

// Agent supervisor event topics.
const (
	TopicAgentStarted   = "agent.started"
	TopicAgentCompleted = "agent.completed"
)

// ChatPhaseChangedEvent is published whenever a chat's state machine
// transitions (IDLE/COLLECTING/RUNNING/COOLDOWN).
type ChatPhaseChangedEvent struct {
	ChatID   string
	OldPhase string
	NewPhase string
}

// TaskStatusChangedEvent is published whenever PipelineDriver moves a
// task between statuses.
type TaskStatusChangedEvent struct {
	TaskID    int64
	OldStatus string
	NewStatus string
}

// AgentCompletedEvent is published when AgentSupervisor.Run returns, for
// either a chat conversational run or a pipeline persona run.
type AgentCompletedEvent struct {
	ChatID  string // empty for pipeline agent runs
	TaskID  int64  // zero for chat agent runs
	Success bool
	CostUSD float64
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel has a
// buffer of 100 events; slow consumers miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped-event count crosses
// an exponential threshold, using CompareAndSwap to avoid duplicate logs
// from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold || newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}

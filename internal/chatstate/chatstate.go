// Package chatstate implements the per-chat four-phase state machine that
// debounces chat triggers and gates concurrent agent work: IDLE collects no
// messages, COLLECTING accumulates a burst into one prompt, RUNNING has an
// agent in flight, and COOLDOWN holds the reply-routing fields alive until
// the next trigger is allowed. The whole map is behind one mutex with
// microsecond hold times, matching the orchestrator contract: admission
// (rate, concurrency, phase) is checked atomically under that single lock.
package chatstate

import (
	"sync"
	"time"
)

// Phase is one of the four chat lifecycle states.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseCollecting Phase = "COLLECTING"
	PhaseRunning    Phase = "RUNNING"
	PhaseCooldown   Phase = "COOLDOWN"
)

const rateWindow = 60 * time.Second

// maxCollectionExtension bounds how far extend_collection can slide the
// window forward from where it stood at the start of the call, so a burst
// of messages cannot starve other chats indefinitely.
const maxCollectionExtension = 2 * time.Second

// Config holds the admission limits and timing defaults the orchestrator
// enforces. Caller populates this from internal/config.
type Config struct {
	RateLimitPerMinute  int
	MaxConcurrentAgents int
	CollectionWindow    time.Duration
	Cooldown            time.Duration
}

// Outcome is what an agent run produces for a chat.
type Outcome struct {
	Success      bool
	Reply        string
	CostUSD      float64
	NewSessionID string
}

// SpawnInfo is one chat whose collection window has expired and is ready
// for an agent to be launched.
type SpawnInfo struct {
	ChatID             string
	OriginalRef        string
	Transport          string
	TriggerMsgID       string
	LastAgentTimestamp time.Time
}

// DeliveryInfo is one chat whose agent has completed and whose reply is
// ready to be sent back through the originating transport.
type DeliveryInfo struct {
	ChatID       string
	OriginalRef  string
	Transport    string
	TriggerMsgID string
	Outcome      Outcome
}

// AgentHandle is joined by join_all at shutdown. It is closed when the
// agent run it represents has returned (success or failure).
type AgentHandle <-chan struct{}

type chatEntry struct {
	phase Phase

	lastAgentTimestamp time.Time
	collectDeadline    time.Time
	cooldownDeadline   time.Time

	triggerMsgID string
	originalRef  string
	transport    string

	agentHandle      AgentHandle
	completedOutcome *Outcome

	rateWindowStart time.Time
	triggerCount    int
}

// Orchestrator is the per-chat state machine map, protected by one mutex.
type Orchestrator struct {
	cfg Config

	mu           sync.Mutex
	chats        map[string]*chatEntry
	activeAgents int
}

// New creates an Orchestrator with the given admission limits.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		chats: make(map[string]*chatEntry),
	}
}

// ActiveAgents returns the number of chats currently in RUNNING.
func (o *Orchestrator) ActiveAgents() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeAgents
}

// Phase returns a chat's current phase, or PhaseIdle if it has never been seen.
func (o *Orchestrator) Phase(chatID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.chats[chatID]; ok {
		return c.phase
	}
	return PhaseIdle
}

// OnTrigger is accepted only when the chat is IDLE, under a rolling
// 60-second per-chat rate window and a global concurrency cap. All three
// admission checks happen under the single orchestrator lock so they can't
// race against a concurrent trigger or a concurrent start_running.
func (o *Orchestrator) OnTrigger(chatID, msgID, originalRef, transport string, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.chats[chatID]
	if !ok {
		c = &chatEntry{phase: PhaseIdle}
		o.chats[chatID] = c
	}
	if c.phase != PhaseIdle {
		return false
	}

	if now.Sub(c.rateWindowStart) > rateWindow {
		c.rateWindowStart = now
		c.triggerCount = 0
	}
	if c.triggerCount >= o.cfg.RateLimitPerMinute {
		return false
	}
	if o.activeAgents >= o.cfg.MaxConcurrentAgents {
		return false
	}

	c.triggerCount++
	c.phase = PhaseCollecting
	c.collectDeadline = now.Add(o.cfg.CollectionWindow)
	c.triggerMsgID = msgID
	c.originalRef = originalRef
	c.transport = transport
	return true
}

// ExtendCollection slides a COLLECTING chat's deadline forward by
// extensionMs, never past the deadline that stood when the call started
// plus maxCollectionExtension. A no-op outside COLLECTING or for an unknown chat.
func (o *Orchestrator) ExtendCollection(chatID string, extension time.Duration, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.chats[chatID]
	if !ok || c.phase != PhaseCollecting {
		return
	}

	ceiling := c.collectDeadline.Add(maxCollectionExtension)
	next := c.collectDeadline
	if candidate := now.Add(extension); candidate.After(next) {
		next = candidate
	}
	if next.After(ceiling) {
		next = ceiling
	}
	c.collectDeadline = next
}

// DrainExpiredCollections returns one SpawnInfo per chat whose collection
// deadline has passed. The chat remains in COLLECTING until StartRunning is
// called; callers are expected to launch an agent and call StartRunning
// promptly outside the lock.
func (o *Orchestrator) DrainExpiredCollections(now time.Time) []SpawnInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []SpawnInfo
	for chatID, c := range o.chats {
		if c.phase == PhaseCollecting && !c.collectDeadline.After(now) {
			out = append(out, SpawnInfo{
				ChatID:             chatID,
				OriginalRef:        c.originalRef,
				Transport:          c.transport,
				TriggerMsgID:       c.triggerMsgID,
				LastAgentTimestamp: c.lastAgentTimestamp,
			})
		}
	}
	return out
}

// StartRunning transitions COLLECTING -> RUNNING. Returns false if the
// phase changed underfoot (e.g. the chat was removed); the caller should
// let the agent finish and discard its outcome in that case.
func (o *Orchestrator) StartRunning(chatID string, handle AgentHandle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.chats[chatID]
	if !ok || c.phase != PhaseCollecting {
		return false
	}
	c.phase = PhaseRunning
	c.agentHandle = handle
	o.activeAgents++
	return true
}

// SetOutcome is called by the agent completion callback. Dropped silently
// if the chat no longer exists.
func (o *Orchestrator) SetOutcome(chatID string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.chats[chatID]
	if !ok {
		return
	}
	c.completedOutcome = &outcome
}

// DrainCompleted atomically moves every chat with a pending outcome from
// RUNNING to COOLDOWN, decrementing ActiveAgents. The trigger/original-ref
// fields are retained in the chat entry until cooldown expires, so the
// returned DeliveryInfo can still address the reply after this call.
func (o *Orchestrator) DrainCompleted(now time.Time) []DeliveryInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []DeliveryInfo
	for chatID, c := range o.chats {
		if c.phase != PhaseRunning || c.completedOutcome == nil {
			continue
		}
		out = append(out, DeliveryInfo{
			ChatID:       chatID,
			OriginalRef:  c.originalRef,
			Transport:    c.transport,
			TriggerMsgID: c.triggerMsgID,
			Outcome:      *c.completedOutcome,
		})
		c.phase = PhaseCooldown
		c.cooldownDeadline = now.Add(o.cfg.Cooldown)
		c.completedOutcome = nil
		c.lastAgentTimestamp = now
		o.activeAgents--
	}
	return out
}

// ExpireCooldowns transitions every chat whose cooldown has passed back to
// IDLE, freeing its trigger/original-ref fields.
func (o *Orchestrator) ExpireCooldowns(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, c := range o.chats {
		if c.phase == PhaseCooldown && !c.cooldownDeadline.After(now) {
			c.phase = PhaseIdle
			c.triggerMsgID = ""
			c.originalRef = ""
			c.transport = ""
		}
	}
}

// JoinAll blocks until every chat currently RUNNING has reported agent
// completion. Used on the shutdown path.
func (o *Orchestrator) JoinAll() {
	o.mu.Lock()
	var handles []AgentHandle
	for _, c := range o.chats {
		if c.phase == PhaseRunning && c.agentHandle != nil {
			handles = append(handles, c.agentHandle)
		}
	}
	o.mu.Unlock()

	for _, h := range handles {
		<-h
	}
}

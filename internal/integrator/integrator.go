// Package integrator implements the tick loop that ties every other
// package together: it polls transports, drives ChatOrchestrator's phase
// machine, launches and delivers chat agents, and watches for the
// self-update sentinel PipelineDriver sets once a merge into Borg's own
// repo succeeds. The loop is ticker-driven, runs on a single goroutine,
// and checks one shutdown signal each iteration.
package integrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chatstate"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/supervisor"
	"github.com/neuralcollective/borg/internal/transport"
)

// selfUpdateKey mirrors internal/pipeline's unexported kvSelfUpdatePending
// constant. The two packages share this KV row rather than a Go symbol so
// neither imports the other.
const selfUpdateKey = "pipeline.self_update_pending"

const defaultPollInterval = 500 * time.Millisecond

// sessionExpiryEveryNTicks expires stale agent sessions roughly every 30s
// at the default 500ms cadence, matching spec's "every ~60 ticks".
const sessionExpiryEveryNTicks = 60

// ChatAgentRunner is the subset of *supervisor.Supervisor a chat agent
// spawn needs; narrowed to an interface so tests can substitute a fake,
// mirroring internal/pipeline.AgentRunner.
type ChatAgentRunner interface {
	Run(ctx context.Context, cfg supervisor.Config, stdin []byte, streamCB func([]byte)) (supervisor.RunResult, error)
}

// Config holds every dependency and tuning knob IntegratorMain needs.
type Config struct {
	Store      *store.Store
	Chats      *chatstate.Orchestrator
	Transports *transport.Registry
	Agents     ChatAgentRunner
	Bus        *bus.Bus
	Logger     *slog.Logger

	AssistantName  string
	TriggerPattern string
	Image          string
	Model          string
	DataDir        string
	AgentTimeout   time.Duration
	PollInterval   time.Duration
	SessionMaxHrs  int

	// Inbox, when set, is shared with internal/webapi so the dashboard's
	// POST /api/chat handler can Push messages onto the same queue the
	// transport pollers feed. A nil Inbox gets a fresh buffered channel.
	Inbox chan transport.IncomingMessage

	CredentialRefresher func(context.Context) error
}

// Loop is IntegratorMain: the single long-lived goroutine that drains the
// transport inbox, drives chat phase transitions, and watches for the
// self-update sentinel.
type Loop struct {
	store      *store.Store
	chats      *chatstate.Orchestrator
	transports *transport.Registry
	agents     ChatAgentRunner
	bus        *bus.Bus
	logger     *slog.Logger

	assistantName  string
	triggerPattern string
	image          string
	model          string
	dataDir        string
	agentTimeout   time.Duration
	pollInterval   time.Duration
	sessionMaxHrs  int

	credentialRefresher func(context.Context) error

	inbox chan transport.IncomingMessage
	tick  int64
}

// New builds a Loop ready for Run. Inbox is sized generously (256) since a
// burst of transport updates should never block a poller's Start loop.
func New(cfg Config) *Loop {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	sessionMaxHrs := cfg.SessionMaxHrs
	if sessionMaxHrs <= 0 {
		sessionMaxHrs = 24
	}
	refresher := cfg.CredentialRefresher
	if refresher == nil {
		refresher = func(context.Context) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inbox := cfg.Inbox
	if inbox == nil {
		inbox = make(chan transport.IncomingMessage, 256)
	}
	return &Loop{
		store:               cfg.Store,
		chats:               cfg.Chats,
		transports:          cfg.Transports,
		agents:              cfg.Agents,
		bus:                 cfg.Bus,
		logger:              logger,
		assistantName:       cfg.AssistantName,
		triggerPattern:      cfg.TriggerPattern,
		image:               cfg.Image,
		model:               cfg.Model,
		dataDir:             cfg.DataDir,
		agentTimeout:        cfg.AgentTimeout,
		pollInterval:        pollInterval,
		sessionMaxHrs:       sessionMaxHrs,
		credentialRefresher: refresher,
		inbox:               inbox,
	}
}

// Inbox returns the channel transports and internal/webapi's dashboard
// chat handler push IncomingMessage values onto.
func (l *Loop) Inbox() chan<- transport.IncomingMessage { return l.inbox }

// Run starts the transport pollers and the tick loop, blocking until ctx is
// canceled or the pipeline's self-update sentinel is observed. The return
// value tells the caller (cmd/borg) whether a self-reexec is warranted.
func (l *Loop) Run(ctx context.Context) (selfUpdate bool) {
	l.transports.StartAll(ctx, l.inbox)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.runTick(ctx) {
				return true
			}
		}
	}
}

// runTick executes one iteration of the steps spec'd for IntegratorMain.
// It returns true once the self-update sentinel has been observed.
func (l *Loop) runTick(ctx context.Context) bool {
	l.tick++
	now := time.Now().UTC()

	if l.tick%sessionExpiryEveryNTicks == 0 {
		if n, err := l.store.ExpireSessions(ctx, l.sessionMaxHrs); err != nil {
			l.logger.Warn("integrator_expire_sessions_failed", "error", err)
		} else if n > 0 {
			l.logger.Debug("integrator_sessions_expired", "count", n)
		}
		if err := l.credentialRefresher(ctx); err != nil {
			l.logger.Warn("integrator_credential_refresh_failed", "error", err)
		}
	}

	l.drainInbox(ctx)

	for _, spawn := range l.chats.DrainExpiredCollections(now) {
		l.launchChatAgent(ctx, spawn)
	}

	for _, delivery := range l.chats.DrainCompleted(now) {
		l.deliverOutcome(ctx, delivery)
	}

	l.chats.ExpireCooldowns(now)

	raw, err := l.store.GetKV(ctx, selfUpdateKey)
	return err == nil && raw == "1"
}

// drainInbox consumes every IncomingMessage currently buffered without
// blocking, so a burst of transport traffic is fully absorbed in one tick
// rather than trickling in one message per 500ms.
func (l *Loop) drainInbox(ctx context.Context) {
	for {
		select {
		case msg := <-l.inbox:
			l.handleIncoming(ctx, msg)
		default:
			return
		}
	}
}

func (l *Loop) handleIncoming(ctx context.Context, msg transport.IncomingMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := l.store.StoreMessage(ctx, store.Message{
		ChatID:        msg.ChatID,
		MessageID:     msg.MessageID,
		SenderID:      msg.Sender,
		SenderDisplay: msg.SenderName,
		Body:          msg.Text,
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		l.logger.Warn("integrator_store_message_failed", "error", err, "chat_id", msg.ChatID)
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		l.dispatchCommand(ctx, msg, text)
		return
	}

	chat, chatErr := l.store.GetChat(ctx, msg.ChatID)
	if !l.triggerMatches(msg, chat, chatErr) {
		// Not a trigger: if the chat is already COLLECTING the message
		// still extends the window (it will be picked up by
		// messages_since once the agent launches).
		if l.chats.Phase(msg.ChatID) == chatstate.PhaseCollecting {
			l.chats.ExtendCollection(msg.ChatID, l.collectionExtension(), time.Now().UTC())
		}
		return
	}

	now := time.Now().UTC()
	switch l.chats.Phase(msg.ChatID) {
	case chatstate.PhaseIdle:
		l.chats.OnTrigger(msg.ChatID, msg.MessageID, msg.OriginalRef, msg.Transport, now)
	case chatstate.PhaseCollecting:
		l.chats.ExtendCollection(msg.ChatID, l.collectionExtension(), now)
	default:
		// RUNNING / COOLDOWN: the message is already persisted; a later
		// agent run picks it up via messages_since.
	}
}

// collectionExtension is the amount ExtendCollection slides the deadline
// by on each qualifying message; chatstate.Orchestrator itself caps the
// total slide at maxCollectionExtension regardless of what is passed here.
func (l *Loop) collectionExtension() time.Duration {
	return 2 * time.Second
}

func (l *Loop) triggerMatches(msg transport.IncomingMessage, chat store.Chat, chatErr error) bool {
	if msg.MentionsBot {
		return true
	}
	if chatErr == nil && !chat.RequiresTrigger {
		return true
	}
	phrase := l.triggerPattern
	if chatErr == nil && chat.TriggerPhrase != "" {
		phrase = chat.TriggerPhrase
	}
	if phrase == "" {
		phrase = "@" + l.assistantName
	}
	return strings.Contains(strings.ToLower(msg.Text), strings.ToLower(phrase))
}

func (l *Loop) launchChatAgent(ctx context.Context, spawn chatstate.SpawnInfo) {
	handle := make(chan struct{})
	if !l.chats.StartRunning(spawn.ChatID, handle) {
		return
	}
	go l.runChatAgent(ctx, spawn, handle)
}

func (l *Loop) runChatAgent(ctx context.Context, spawn chatstate.SpawnInfo, handle chan struct{}) {
	defer close(handle)

	outcome := l.runChatAgentOutcome(ctx, spawn)
	l.chats.SetOutcome(spawn.ChatID, outcome)
	l.bus.Publish(bus.TopicAgentCompleted, bus.AgentCompletedEvent{
		ChatID:  spawn.ChatID,
		Success: outcome.Success,
		CostUSD: outcome.CostUSD,
	})
}

func (l *Loop) runChatAgentOutcome(ctx context.Context, spawn chatstate.SpawnInfo) chatstate.Outcome {
	folder := chatFolder(spawn.ChatID)
	since := spawn.LastAgentTimestamp.UTC().Format(time.RFC3339Nano)
	messages, err := l.store.MessagesSince(ctx, spawn.ChatID, since)
	if err != nil {
		l.logger.Error("integrator_messages_since_failed", "error", err, "chat_id", spawn.ChatID)
		return chatstate.Outcome{Success: false, Reply: "Internal error reading chat history."}
	}

	prompt := buildChatPrompt(messages)

	cfg := supervisor.Config{
		Image:         l.image,
		ContainerName: "borg-chat-" + folder,
		Binds:         []string{fmt.Sprintf("%s/sessions/%s:/workspace/session", l.dataDir, folder)},
		Timeout:       l.agentTimeout,
		Env: map[string]string{
			"BORG_CHAT_ID": spawn.ChatID,
			"BORG_FOLDER":  folder,
			"BORG_MODEL":   l.model,
		},
	}
	if session, err := l.store.GetSession(ctx, folder); err == nil {
		cfg.Env["BORG_RESUME_SESSION_ID"] = session.SessionID
	}

	l.bus.Publish(bus.TopicAgentStarted, bus.AgentCompletedEvent{ChatID: spawn.ChatID})
	runResult, runErr := l.agents.Run(ctx, cfg, []byte(prompt), nil)
	result := supervisor.ParseNDJSON(runResult.Stdout)

	success := runErr == nil && runResult.ExitCode == 0
	if result.NewSessionID != "" {
		if err := l.store.SetSession(ctx, folder, result.NewSessionID); err != nil {
			l.logger.Warn("integrator_set_session_failed", "error", err, "chat_id", spawn.ChatID)
		}
	}

	reply := result.Output
	if !success {
		reply = "Sorry, something went wrong running that."
		l.logger.Error("integrator_chat_agent_failed", "error", runErr, "chat_id", spawn.ChatID)
	}

	return chatstate.Outcome{
		Success:      success,
		Reply:        reply,
		CostUSD:      result.CostUSD,
		NewSessionID: result.NewSessionID,
	}
}

func (l *Loop) deliverOutcome(ctx context.Context, delivery chatstate.DeliveryInfo) {
	if err := l.store.StoreMessage(ctx, store.Message{
		ChatID:     delivery.ChatID,
		MessageID:  fmt.Sprintf("bot-%d", time.Now().UnixNano()),
		SenderID:   "borg",
		Body:       delivery.Outcome.Reply,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		IsBotReply: true,
	}); err != nil {
		l.logger.Warn("integrator_store_reply_failed", "error", err, "chat_id", delivery.ChatID)
	}

	if err := l.transports.Send(ctx, delivery.Transport, delivery.OriginalRef, delivery.TriggerMsgID, delivery.Outcome.Reply); err != nil {
		l.logger.Error("integrator_send_reply_failed", "error", err, "chat_id", delivery.ChatID, "transport", delivery.Transport)
	}

	l.bus.Publish(bus.TopicChatReplySent, bus.ChatPhaseChangedEvent{ChatID: delivery.ChatID, NewPhase: string(chatstate.PhaseCooldown)})
}

func buildChatPrompt(messages []store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.SenderDisplay, m.Body)
	}
	return b.String()
}

// chatFolder derives a filesystem-safe slug from a transport-prefixed chat
// id (e.g. "tg:-1001234" -> "tg_-1001234").
func chatFolder(chatID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, chatID)
}

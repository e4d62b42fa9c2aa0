package integrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chatstate"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/supervisor"
	"github.com/neuralcollective/borg/internal/transport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "borg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeAgents struct {
	result supervisor.RunResult
	err    error
}

func (f *fakeAgents) Run(ctx context.Context, cfg supervisor.Config, stdin []byte, streamCB func([]byte)) (supervisor.RunResult, error) {
	return f.result, f.err
}

func newTestLoop(t *testing.T, agents ChatAgentRunner) (*Loop, *store.Store, *transport.WebChannel) {
	t.Helper()
	st := openTestStore(t)
	chats := chatstate.New(chatstate.Config{
		RateLimitPerMinute:  100,
		MaxConcurrentAgents: 10,
		CollectionWindow:    10 * time.Millisecond,
		Cooldown:            10 * time.Millisecond,
	})
	web := transport.NewWebChannel()
	registry := transport.NewRegistry(slog.Default())
	registry.Register(web)

	l := New(Config{
		Store:          st,
		Chats:          chats,
		Transports:     registry,
		Agents:         agents,
		Bus:            bus.New(),
		Logger:         slog.Default(),
		AssistantName:  "Borg",
		TriggerPattern: "@Borg",
		PollInterval:   5 * time.Millisecond,
	})
	return l, st, web
}

func TestTriggerAndReplyFlow(t *testing.T) {
	resultStdout := []byte(`{"type":"result","result":"hi there","total_cost_usd":0.01,"session_id":"sess-1"}` + "\n")
	l, st, web := newTestLoop(t, &fakeAgents{result: supervisor.RunResult{Stdout: resultStdout, ExitCode: 0}})
	ctx := context.Background()

	replies, unsub := web.Subscribe()
	defer unsub()

	l.handleIncoming(ctx, transport.IncomingMessage{
		ChatID:      "web:dashboard",
		MessageID:   "m1",
		Sender:      "alice",
		SenderName:  "alice",
		Text:        "@Borg hi",
		Timestamp:   time.Now().UTC(),
		MentionsBot: true,
		Transport:   "web",
	})

	if phase := l.chats.Phase("web:dashboard"); phase != chatstate.PhaseCollecting {
		t.Fatalf("phase = %s, want COLLECTING", phase)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.runTick(ctx)
		select {
		case reply := <-replies:
			if reply != "hi there" {
				t.Fatalf("reply = %q, want %q", reply, "hi there")
			}
			msgs, err := st.MessagesSince(ctx, "web:dashboard", "1970-01-01T00:00:00Z")
			if err != nil {
				t.Fatalf("messages since: %v", err)
			}
			var sawBotReply bool
			for _, m := range msgs {
				if m.IsBotReply {
					sawBotReply = true
				}
			}
			if !sawBotReply {
				t.Fatal("expected a persisted bot reply message")
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for reply")
}

func TestDispatchCommandPing(t *testing.T) {
	l, _, web := newTestLoop(t, &fakeAgents{})
	ctx := context.Background()
	replies, unsub := web.Subscribe()
	defer unsub()

	l.handleIncoming(ctx, transport.IncomingMessage{
		ChatID:    "web:dashboard",
		MessageID: "m1",
		Sender:    "alice",
		Text:      "/ping",
		Transport: "web",
	})

	select {
	case reply := <-replies:
		if reply != "pong" {
			t.Fatalf("reply = %q, want pong", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for /ping reply")
	}
}

func TestDispatchCommandRegisterThenDuplicateIsDenied(t *testing.T) {
	l, _, web := newTestLoop(t, &fakeAgents{})
	ctx := context.Background()
	replies, unsub := web.Subscribe()
	defer unsub()

	msg := transport.IncomingMessage{ChatID: "web:dashboard", MessageID: "m1", Sender: "alice", Text: "/register", Transport: "web"}
	l.handleIncoming(ctx, msg)
	<-replies

	l.handleIncoming(ctx, msg)
	select {
	case reply := <-replies:
		if reply != "already registered" {
			t.Fatalf("reply = %q, want already registered", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for duplicate-register reply")
	}
}

func TestTriggerMatchesRequiresTriggerFalseAdmitsAnyMessage(t *testing.T) {
	l, st, _ := newTestLoop(t, &fakeAgents{})
	ctx := context.Background()

	if err := st.RegisterChat(ctx, store.Chat{ChatID: "tg:1", Folder: "tg_1", RequiresTrigger: false}); err != nil {
		t.Fatalf("register chat: %v", err)
	}
	chat, err := st.GetChat(ctx, "tg:1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	msg := transport.IncomingMessage{ChatID: "tg:1", Text: "no mention here"}
	if !l.triggerMatches(msg, chat, nil) {
		t.Fatal("expected a message to trigger when RequiresTrigger is false")
	}
}

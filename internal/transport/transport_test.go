package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

type fakeChannel struct {
	name string
	sent []string
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Start(ctx context.Context, inbox chan<- IncomingMessage) error {
	<-ctx.Done()
	return nil
}
func (f *fakeChannel) Send(_ context.Context, originalRef, _, text string) error {
	f.sent = append(f.sent, originalRef+":"+text)
	return nil
}

func TestRegistrySendRoutesToNamedChannel(t *testing.T) {
	r := NewRegistry(slog.Default())
	ch := &fakeChannel{name: "tg"}
	r.Register(ch)

	if err := r.Send(context.Background(), "tg", "42", "", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "42:hello" {
		t.Fatalf("unexpected sent: %v", ch.sent)
	}
}

func TestRegistrySendUnknownTransport(t *testing.T) {
	r := NewRegistry(slog.Default())
	if err := r.Send(context.Background(), "nope", "1", "", "hi"); err == nil {
		t.Fatal("expected error for unregistered transport")
	}
}

func TestRegistryStartAllFeedsInbox(t *testing.T) {
	r := NewRegistry(slog.Default())
	web := NewWebChannel()
	r.Register(web)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox := make(chan IncomingMessage, 1)
	r.StartAll(ctx, inbox)

	web.Push(inbox, IncomingMessage{Text: "hi from dashboard"})

	select {
	case msg := <-inbox:
		if msg.Text != "hi from dashboard" || msg.Transport != "web" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbox message")
	}
}

func TestWAToIncomingMapsGroupChat(t *testing.T) {
	u := waUpdate{
		ChatID: "12345", MessageID: "m1", Sender: "s1", SenderName: "Alice",
		Text: "hello", Timestamp: "2026-08-01T12:00:00Z", ChatTitle: "Team",
		IsGroup: true, MentionsMe: true,
	}
	msg := waToIncoming(u)
	if msg.ChatID != "wa:12345" || msg.ChatType != "group" || !msg.MentionsBot {
		t.Fatalf("unexpected mapping: %+v", msg)
	}
}

func TestWAToIncomingFallsBackOnBadTimestamp(t *testing.T) {
	u := waUpdate{ChatID: "1", Timestamp: "not-a-time"}
	msg := waToIncoming(u)
	if msg.Timestamp.IsZero() {
		t.Fatal("expected fallback timestamp, got zero value")
	}
}

func TestWebChannelSubscribeReceivesSend(t *testing.T) {
	w := NewWebChannel()
	ch, cancel := w.Subscribe()
	defer cancel()

	if err := w.Send(context.Background(), "", "", "reply text"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-ch:
		if got != "reply text" {
			t.Fatalf("got %q, want %q", got, "reply text")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber message")
	}
}

func TestWebChannelSendAfterUnsubscribeIsNoop(t *testing.T) {
	w := NewWebChannel()
	_, cancel := w.Subscribe()
	cancel()

	if err := w.Send(context.Background(), "", "", "text"); err != nil {
		t.Fatalf("send after unsubscribe: %v", err)
	}
}

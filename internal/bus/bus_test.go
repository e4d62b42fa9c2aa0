package bus_test

import (
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
)

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("chat.")
	defer b.Unsubscribe(sub)

	other := b.Subscribe("task.")
	defer b.Unsubscribe(other)

	b.Publish(bus.TopicChatPhaseChanged, bus.ChatPhaseChangedEvent{ChatID: "tg:1", OldPhase: "IDLE", NewPhase: "COLLECTING"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicChatPhaseChanged {
			t.Fatalf("want %q, got %q", bus.TopicChatPhaseChanged, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-other.Ch():
		t.Fatalf("non-matching subscriber should not receive event, got %v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestEmptyPrefixMatchesEverything(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{TaskID: 1, OldStatus: "spec", NewStatus: "qa"})

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		b.Publish(bus.TopicAgentStarted, nil)
	}

	if b.DroppedEventCount() == 0 {
		t.Fatal("want dropped events once buffer (100) is exceeded by 200 publishes")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := bus.New()
	if b.SubscriberCount() != 0 {
		t.Fatalf("want 0 subscribers initially, got %d", b.SubscriberCount())
	}
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("want 1 subscriber, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("want 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

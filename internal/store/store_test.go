package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcollective/borg/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "borg.db"))
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterChatDuplicateIsConstraintViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := store.Chat{ChatID: "tg:1", DisplayName: "Alice", Folder: "alice", TriggerPhrase: "@Borg", RequiresTrigger: true}
	require.NoError(t, s.RegisterChat(ctx, c))
	err := s.RegisterChat(ctx, c)
	assert.ErrorIs(t, err, store.ErrConstraint)
}

func TestGetChatNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetChat(context.Background(), "tg:missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreMessageDuplicateIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	must(t, s.RegisterChat(ctx, store.Chat{ChatID: "tg:1", DisplayName: "A", Folder: "a", TriggerPhrase: "@Borg"}))

	m1 := store.Message{ChatID: "tg:1", MessageID: "m1", SenderID: "u1", SenderDisplay: "U", Body: "first", Timestamp: "2026-01-01T00:00:00Z"}
	m2 := m1
	m2.Body = "second"

	must(t, s.StoreMessage(ctx, m1))
	must(t, s.StoreMessage(ctx, m2))

	msgs, err := s.MessagesSince(ctx, "tg:1", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != "first" {
		t.Fatalf("first write should win, got body %q", msgs[0].Body)
	}
}

func TestMessagesSinceOrderedAndBounded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	must(t, s.RegisterChat(ctx, store.Chat{ChatID: "tg:1", DisplayName: "A", Folder: "a", TriggerPhrase: "@Borg"}))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano)
		must(t, s.StoreMessage(ctx, store.Message{ChatID: "tg:1", MessageID: strconv.Itoa(i), SenderID: "u", SenderDisplay: "U", Body: strconv.Itoa(i), Timestamp: ts}))
	}

	msgs, err := s.MessagesSince(ctx, "tg:1", base.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("want bounded to 50, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp > msgs[i].Timestamp {
			t.Fatalf("messages not ordered ascending at index %d", i)
		}
	}
}

func TestNextTaskPriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	backlogID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t1", Description: "d", RepoPath: "/r", Status: store.StatusBacklog})
	must(t, err)
	implID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t2", Description: "d", RepoPath: "/r", Status: store.StatusImpl})
	must(t, err)
	rebaseID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t3", Description: "d", RepoPath: "/r", Status: store.StatusRebase})
	must(t, err)
	_ = backlogID
	_ = implID

	next, err := s.NextTask(ctx)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if next.ID != rebaseID {
		t.Fatalf("want rebase task (highest priority) first, got id=%d status=%s", next.ID, next.Status)
	}
}

func TestNextTaskTieBreakOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateTask(ctx, store.PipelineTask{Title: "first", Description: "d", RepoPath: "/r", Status: store.StatusQA})
	must(t, err)
	_, err = s.CreateTask(ctx, store.PipelineTask{Title: "second", Description: "d", RepoPath: "/r", Status: store.StatusQA})
	must(t, err)

	next, err := s.NextTask(ctx)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if next.ID != first {
		t.Fatalf("want oldest task first on tie, got id=%d", next.ID)
	}
}

func TestNextTaskNoneActive(t *testing.T) {
	s := openTestStore(t)
	_, err := s.NextTask(context.Background())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAppendOutputTruncatesOutputNotRaw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r"})
	must(t, err)

	big := make([]byte, 40000)
	for i := range big {
		big[i] = 'x'
	}
	raw := make([]byte, 40000)
	for i := range raw {
		raw[i] = 'y'
	}

	outID, err := s.AppendOutput(ctx, taskID, store.PhaseImpl, string(big), string(raw), 0, 1500, true, 0.02)
	if err != nil {
		t.Fatalf("append output: %v", err)
	}

	outs, err := s.OutputsFor(ctx, taskID)
	if err != nil {
		t.Fatalf("outputs for: %v", err)
	}
	if len(outs) != 1 || outs[0].ID != outID {
		t.Fatalf("unexpected outputs: %+v", outs)
	}
	if len(outs[0].Output) != 32000 {
		t.Fatalf("want output truncated to 32000 bytes, got %d", len(outs[0].Output))
	}
	if len(outs[0].RawStream) != 40000 {
		t.Fatalf("want raw_stream verbatim at 40000 bytes, got %d", len(outs[0].RawStream))
	}
}

func TestOutputsForOrderedByCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r"})
	must(t, err)

	must2(t, s.AppendOutput(ctx, taskID, store.PhaseSpec, "a", "", 0, 0, true, 0))
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseQA, "b", "", 0, 0, true, 0))
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseImpl, "c", "", 0, 0, true, 0))

	outs, err := s.OutputsFor(ctx, taskID)
	if err != nil {
		t.Fatalf("outputs for: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("want 3 outputs, got %d", len(outs))
	}
	if outs[0].Phase != store.PhaseSpec || outs[1].Phase != store.PhaseQA || outs[2].Phase != store.PhaseImpl {
		t.Fatalf("outputs not in creation order: %+v", outs)
	}
}

func TestPhaseMetricsExcludesZeroDurationFromMean(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r"})
	must(t, err)

	must2(t, s.AppendOutput(ctx, taskID, store.PhaseImpl, "a", "", 0, 0, true, 1.0))    // legacy zero-duration row
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseImpl, "b", "", 0, 200, true, 2.0))  // real duration
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseImpl, "c", "", 0, 400, false, 0.0)) // real duration, failed
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseTest, "d", "", 0, 100, true, 0.5))  // not a canonical phase

	metrics, err := s.PhaseMetrics(ctx)
	if err != nil {
		t.Fatalf("phase metrics: %v", err)
	}

	var impl *store.PhaseMetrics
	for i := range metrics {
		if metrics[i].Phase == store.PhaseImpl {
			impl = &metrics[i]
		}
		if metrics[i].Phase == "test" {
			t.Fatalf("phase_metrics should exclude non-canonical phases, found %q", metrics[i].Phase)
		}
	}
	if impl == nil {
		t.Fatalf("expected impl phase metrics")
	}
	if impl.Attempts != 3 {
		t.Fatalf("want 3 attempts (including zero-duration row), got %d", impl.Attempts)
	}
	if impl.Successes != 2 {
		t.Fatalf("want 2 successes, got %d", impl.Successes)
	}
	if impl.MeanDurationMs != 300 {
		t.Fatalf("want mean of the two real-duration rows (300), got %v", impl.MeanDurationMs)
	}
	if impl.TotalCostUSD != 3.0 {
		t.Fatalf("want total cost 3.0, got %v", impl.TotalCostUSD)
	}
}

func TestPhaseMetricsAllZeroDurationMeanIsZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r"})
	must(t, err)
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseSpec, "a", "", 0, 0, true, 0))
	must2(t, s.AppendOutput(ctx, taskID, store.PhaseSpec, "b", "", 0, 0, true, 0))

	metrics, err := s.PhaseMetrics(ctx)
	if err != nil {
		t.Fatalf("phase metrics: %v", err)
	}
	for _, m := range metrics {
		if m.Phase == store.PhaseSpec && m.MeanDurationMs != 0.0 {
			t.Fatalf("want mean 0.0 when every row is zero-duration, got %v", m.MeanDurationMs)
		}
	}
}

func TestEnqueueForIntegrationReplacesPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r"})
	must(t, err)

	id1, err := s.EnqueueForIntegration(ctx, taskID, "branch-a", "/r")
	must(t, err)
	id2, err := s.EnqueueForIntegration(ctx, taskID, "branch-b", "/r")
	must(t, err)

	entries, err := s.ListQueuedForRepo(ctx, "/r")
	if err != nil {
		t.Fatalf("list queued for repo: %v", err)
	}
	var queuedCount int
	for _, e := range entries {
		if e.Status == store.QueueStatusQueued {
			queuedCount++
			if e.ID != id2 {
				t.Fatalf("want only the latest entry queued, got id=%d", e.ID)
			}
		}
	}
	if queuedCount != 1 {
		t.Fatalf("want exactly 1 queued entry, got %d", queuedCount)
	}
	_ = id1
}

func TestResetStuckQueueEntriesAndRecycleFailedTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, store.PipelineTask{Title: "t", Description: "d", RepoPath: "/r", Status: store.StatusImpl, Attempt: 1, MaxAttempts: 5})
	must(t, err)
	qID, err := s.EnqueueForIntegration(ctx, taskID, "b", "/r")
	must(t, err)
	must(t, s.UpdateQueueStatus(ctx, qID, store.QueueStatusMerging))

	n, err := s.ResetStuckQueueEntries(ctx)
	if err != nil {
		t.Fatalf("reset stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 reset entry, got %d", n)
	}

	n, err = s.RecycleFailedTasks(ctx)
	if err != nil {
		t.Fatalf("recycle failed tasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 recycled task, got %d", n)
	}
	task, err := s.GetTask(ctx, taskID)
	must(t, err)
	if task.Status != store.StatusRetry {
		t.Fatalf("want task reverted to retry, got %s", task.Status)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	require.NoError(t, err)
}

func must2[T any](t *testing.T, v T, err error) T {
	t.Helper()
	require.NoError(t, err)
	return v
}

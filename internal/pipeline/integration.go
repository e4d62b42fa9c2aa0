package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
)

// processIntegration drains at most one pending integration, oldest
// queued_at first (SPEC_FULL.md §4.3 step 2).
func (d *Driver) processIntegration(ctx context.Context) error {
	queued, err := d.store.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: list_queued: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}
	return d.integrateOne(ctx, queued[0])
}

// integrateOne merges one queued branch into the primary branch, runs
// tests post-merge, and either marks the entry merged or rolls the merge
// back and returns the task to rebase.
func (d *Driver) integrateOne(ctx context.Context, entry store.QueueEntry) error {
	start := time.Now()
	task, err := d.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		return fmt.Errorf("pipeline: get_task: %w", err)
	}

	if err := d.store.UpdateQueueStatus(ctx, entry.ID, store.QueueStatusMerging); err != nil {
		return fmt.Errorf("pipeline: update_queue_status: %w", err)
	}

	preHead, err := gitRevParse(ctx, entry.RepoPath, "HEAD")
	if err != nil {
		return d.failIntegration(ctx, entry, task, start, err)
	}
	if err := gitCheckout(ctx, entry.RepoPath, d.cfg.PrimaryBranch); err != nil {
		return d.failIntegration(ctx, entry, task, start, err)
	}
	if mergeErr := gitMerge(ctx, entry.RepoPath, entry.Branch); mergeErr != nil {
		_ = gitMergeAbort(ctx, entry.RepoPath)
		return d.failIntegration(ctx, entry, task, start, &MergeConflict{Detail: mergeErr.Error()})
	}

	containerName := fmt.Sprintf("borg-integration-t%d-%d", entry.TaskID, time.Now().Unix())
	out, testErr := d.execTestCommand(ctx, entry.RepoPath, d.cfg.testCmdFor(entry.RepoPath), containerName)
	if testErr != nil {
		_ = gitResetHard(ctx, entry.RepoPath, preHead)
		return d.failIntegration(ctx, entry, task, start, &TestFailure{Detail: testErr.Error()})
	}

	durationMs := time.Since(start).Milliseconds()
	if _, err := d.store.AppendOutput(ctx, entry.TaskID, "integration", out, "", 0, durationMs, true, 0); err != nil {
		return fmt.Errorf("pipeline: append_output: %w", err)
	}
	if err := d.store.UpdateQueueStatus(ctx, entry.ID, store.QueueStatusMerged); err != nil {
		return fmt.Errorf("pipeline: update_queue_status: %w", err)
	}
	if err := d.transition(ctx, task.ID, task.Status, store.StatusMerged); err != nil {
		return err
	}
	d.bus.Publish(bus.TopicQueueMerged, bus.TaskStatusChangedEvent{TaskID: task.ID, NewStatus: string(store.StatusMerged)})

	if d.cfg.SelfRepoPath != "" && entry.RepoPath == d.cfg.SelfRepoPath {
		if err := d.store.SetKV(ctx, kvSelfUpdatePending, "1"); err != nil && d.logger != nil {
			d.logger.Warn("pipeline_self_update_sentinel_failed", "error", err)
		}
	}
	return nil
}

// failIntegration records the failed attempt, excludes the queue entry, and
// returns the task to rebase — the merge-conflict path the state diagram
// names explicitly, reused here for any integration-stage failure since a
// post-merge test failure needs the same rebase-before-retry treatment.
// Like failAttempt, it increments the task's attempt counter and applies
// the max_attempts -> failed override, so a branch that conflicts on every
// retry eventually lands in failed instead of cycling rebase forever.
func (d *Driver) failIntegration(ctx context.Context, entry store.QueueEntry, task store.PipelineTask, start time.Time, cause error) error {
	durationMs := time.Since(start).Milliseconds()
	if _, err := d.store.AppendOutput(ctx, entry.TaskID, "integration", "", cause.Error(), 1, durationMs, false, 0); err != nil {
		return fmt.Errorf("pipeline: append_output: %w", err)
	}
	if err := d.store.UpdateQueueStatus(ctx, entry.ID, store.QueueStatusExcluded); err != nil {
		return fmt.Errorf("pipeline: update_queue_status: %w", err)
	}

	attempt, err := d.store.IncrementAttempt(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("pipeline: increment_attempt: %w", err)
	}
	if err := d.store.UpdateError(ctx, task.ID, cause.Error()); err != nil {
		return fmt.Errorf("pipeline: update_error: %w", err)
	}

	next := store.StatusRebase
	if attempt >= task.MaxAttempts {
		next = store.StatusFailed
	}
	if err := d.transition(ctx, task.ID, task.Status, next); err != nil {
		return err
	}
	d.bus.Publish(bus.TopicQueueExcluded, bus.TaskStatusChangedEvent{TaskID: task.ID, NewStatus: string(next)})
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/supervisor"
)

// dispatch routes a task by its current status to the stage that advances
// it, per the diagram in SPEC_FULL.md §4.3: backlog -> spec -> qa -> impl ->
// test -> done/merged, with qa_fix/rebase/retry self-loops back into impl.
func (d *Driver) dispatch(ctx context.Context, task store.PipelineTask) error {
	switch task.Status {
	case store.StatusBacklog:
		return d.runPersonaStage(ctx, task, personaManager, store.PhaseSpec, store.StatusSpec, task.Description)
	case store.StatusSpec:
		specOutput, err := d.lastOutputFor(ctx, task.ID, store.PhaseSpec)
		if err != nil {
			return d.recordFailure(ctx, task, store.PhaseQA, stageResult{}, 0, err)
		}
		return d.runPersonaStage(ctx, task, personaQA, store.PhaseQA, store.StatusQA, specOutput)
	case store.StatusQA, store.StatusQAFix, store.StatusRetry, store.StatusRebase:
		return d.runWorkerStage(ctx, task)
	case store.StatusTest:
		return d.runTestStage(ctx, task)
	default:
		// done, merged, failed: terminal, nothing to dispatch.
		return nil
	}
}

// stageResult is what a persona spawn produces, independent of whether the
// supervisor run itself errored.
type stageResult struct {
	Output       string
	RawStream    string
	CostUSD      float64
	NewSessionID string
	ExitCode     int
}

func (d *Driver) runPersonaStage(ctx context.Context, task store.PipelineTask, persona, phase string, nextStatus store.TaskStatus, promptContext string) error {
	start := time.Now()
	result, runErr := d.spawnAgent(ctx, task, persona, promptContext)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		return d.recordFailure(ctx, task, phase, result, durationMs, classifySpawnError(runErr))
	}
	if strings.TrimSpace(result.Output) == "" {
		var parseErr error
		if persona == personaManager {
			parseErr = &SpecParseError{Detail: "empty manager output"}
		} else {
			parseErr = &QaParseError{Detail: fmt.Sprintf("empty %s output", persona)}
		}
		return d.recordFailure(ctx, task, phase, result, durationMs, parseErr)
	}

	if _, err := d.store.AppendOutput(ctx, task.ID, phase, result.Output, result.RawStream, 0, durationMs, true, result.CostUSD); err != nil {
		return fmt.Errorf("pipeline: append_output: %w", err)
	}
	if result.NewSessionID != "" {
		if err := d.store.SetSessionID(ctx, task.ID, result.NewSessionID); err != nil {
			return fmt.Errorf("pipeline: set_session_id: %w", err)
		}
	}
	return d.transition(ctx, task.ID, task.Status, nextStatus)
}

func (d *Driver) runWorkerStage(ctx context.Context, task store.PipelineTask) error {
	if task.Branch == "" {
		branch := fmt.Sprintf("borg/task-%d", task.ID)
		if err := gitCheckoutNewBranch(ctx, task.RepoPath, branch, d.cfg.PrimaryBranch); err != nil {
			return d.recordFailure(ctx, task, store.PhaseImpl, stageResult{}, 0, err)
		}
		if err := d.store.UpdateBranch(ctx, task.ID, branch); err != nil {
			return fmt.Errorf("pipeline: update_branch: %w", err)
		}
		task.Branch = branch
	} else if err := gitCheckout(ctx, task.RepoPath, task.Branch); err != nil {
		return d.recordFailure(ctx, task, store.PhaseImpl, stageResult{}, 0, err)
	}

	start := time.Now()
	result, runErr := d.spawnAgent(ctx, task, personaWorker, task.LastError)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		return d.recordFailure(ctx, task, store.PhaseImpl, result, durationMs, classifySpawnError(runErr))
	}

	diff, diffErr := gitDiffStat(ctx, task.RepoPath, d.cfg.PrimaryBranch, task.Branch)
	if diffErr != nil {
		return d.recordFailure(ctx, task, store.PhaseImpl, result, durationMs, diffErr)
	}
	nonEmptyDiff := strings.TrimSpace(diff) != ""

	if _, err := d.store.AppendOutput(ctx, task.ID, store.PhaseImpl, result.Output, result.RawStream, 0, durationMs, nonEmptyDiff, result.CostUSD); err != nil {
		return fmt.Errorf("pipeline: append_output: %w", err)
	}
	if result.NewSessionID != "" {
		if err := d.store.SetSessionID(ctx, task.ID, result.NewSessionID); err != nil {
			return fmt.Errorf("pipeline: set_session_id: %w", err)
		}
	}

	if !nonEmptyDiff {
		return d.failAttempt(ctx, task, &ContainerError{Detail: "worker produced an empty diff"})
	}
	return d.transition(ctx, task.ID, task.Status, store.StatusTest)
}

func (d *Driver) runTestStage(ctx context.Context, task store.PipelineTask) error {
	start := time.Now()
	out, err := d.execTestCommand(ctx, task.RepoPath, d.cfg.testCmdFor(task.RepoPath), d.containerName(personaTest, task.ID))
	durationMs := time.Since(start).Milliseconds()

	success := err == nil
	exitCode := 0
	if !success {
		exitCode = 1
	}
	if _, aErr := d.store.AppendOutput(ctx, task.ID, store.PhaseTest, out, "", exitCode, durationMs, success, 0); aErr != nil {
		return fmt.Errorf("pipeline: append_output: %w", aErr)
	}

	if success {
		if tErr := d.transition(ctx, task.ID, task.Status, store.StatusDone); tErr != nil {
			return tErr
		}
		return d.enqueueForIntegration(ctx, task)
	}
	return d.failAttempt(ctx, task, &TestFailure{Detail: err.Error()})
}

// spawnAgent runs one persona container and parses its NDJSON stdout into
// an AgentResult (SPEC_FULL.md §4.4).
func (d *Driver) spawnAgent(ctx context.Context, task store.PipelineTask, persona, promptContext string) (stageResult, error) {
	cfg := supervisor.Config{
		Image:         d.cfg.Image,
		ContainerName: d.containerName(persona, task.ID),
		Binds:         []string{task.RepoPath + ":/workspace/repo"},
		Timeout:       d.cfg.AgentTimeout,
		Env: map[string]string{
			"BORG_TASK_ID": fmt.Sprintf("%d", task.ID),
			"BORG_PERSONA": persona,
			"BORG_MODEL":   d.cfg.Model,
		},
	}
	prompt := buildPrompt(persona, task, promptContext)

	d.bus.Publish(bus.TopicAgentStarted, bus.AgentCompletedEvent{TaskID: task.ID})
	runResult, runErr := d.agents.Run(ctx, cfg, []byte(prompt), nil)
	agentResult := supervisor.ParseNDJSON(runResult.Stdout)
	d.bus.Publish(bus.TopicAgentCompleted, bus.AgentCompletedEvent{
		TaskID:  task.ID,
		Success: runErr == nil && runResult.ExitCode == 0,
		CostUSD: agentResult.CostUSD,
	})

	sr := stageResult{
		Output:       agentResult.Output,
		RawStream:    agentResult.RawStream,
		CostUSD:      agentResult.CostUSD,
		NewSessionID: agentResult.NewSessionID,
		ExitCode:     runResult.ExitCode,
	}
	return sr, runErr
}

func (d *Driver) execTestCommand(ctx context.Context, repoPath, testCmd, containerName string) (string, error) {
	cfg := supervisor.Config{
		Image:         d.cfg.Image,
		ContainerName: containerName,
		Cmd:           []string{"sh", "-c", testCmd},
		Binds:         []string{repoPath + ":/workspace/repo"},
		Timeout:       d.cfg.AgentTimeout,
	}
	result, err := d.agents.Run(ctx, cfg, nil, nil)
	out := string(result.Stdout) + string(result.Stderr)
	if err != nil {
		return out, err
	}
	if result.ExitCode != 0 {
		return out, fmt.Errorf("test command exited %d", result.ExitCode)
	}
	return out, nil
}

func classifySpawnError(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrTimeout), errors.Is(err, supervisor.ErrCancelled):
		return &TimeoutError{Detail: err.Error()}
	default:
		return &ContainerError{Detail: err.Error()}
	}
}

// recordFailure persists the phase output (possibly empty) and hands the
// failure to failAttempt for error-taxonomy classification.
func (d *Driver) recordFailure(ctx context.Context, task store.PipelineTask, phase string, result stageResult, durationMs int64, cause error) error {
	if _, err := d.store.AppendOutput(ctx, task.ID, phase, result.Output, result.RawStream, result.ExitCode, durationMs, false, result.CostUSD); err != nil {
		return fmt.Errorf("pipeline: append_output: %w", err)
	}
	return d.failAttempt(ctx, task, cause)
}

// failAttempt implements increment_attempt plus the error taxonomy's
// next-status dispatch, overridden by the max_attempts -> failed rule.
func (d *Driver) failAttempt(ctx context.Context, task store.PipelineTask, cause error) error {
	attempt, err := d.store.IncrementAttempt(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("pipeline: increment_attempt: %w", err)
	}
	if err := d.store.UpdateError(ctx, task.ID, cause.Error()); err != nil {
		return fmt.Errorf("pipeline: update_error: %w", err)
	}

	if attempt >= task.MaxAttempts {
		return d.transition(ctx, task.ID, task.Status, store.StatusFailed)
	}
	return d.transition(ctx, task.ID, task.Status, nextStatusForFailure(cause))
}

func (d *Driver) transition(ctx context.Context, taskID int64, oldStatus, newStatus store.TaskStatus) error {
	if err := d.store.UpdateStatus(ctx, taskID, newStatus); err != nil {
		return fmt.Errorf("pipeline: update_status: %w", err)
	}
	d.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		TaskID:    taskID,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
	})
	return nil
}

func (d *Driver) enqueueForIntegration(ctx context.Context, task store.PipelineTask) error {
	if _, err := d.store.EnqueueForIntegration(ctx, task.ID, task.Branch, task.RepoPath); err != nil {
		return fmt.Errorf("pipeline: enqueue_for_integration: %w", err)
	}
	d.bus.Publish(bus.TopicQueueEnqueued, bus.TaskStatusChangedEvent{TaskID: task.ID, NewStatus: string(store.StatusDone)})
	return nil
}

func (d *Driver) lastOutputFor(ctx context.Context, taskID int64, phase string) (string, error) {
	outputs, err := d.store.OutputsFor(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("pipeline: outputs_for: %w", err)
	}
	for i := len(outputs) - 1; i >= 0; i-- {
		if outputs[i].Phase == phase && outputs[i].Success {
			return outputs[i].Output, nil
		}
	}
	return "", &QaParseError{Detail: fmt.Sprintf("no successful %s output found for task %d", phase, taskID)}
}

func buildPrompt(persona string, task store.PipelineTask, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s persona for Borg's autonomous engineering pipeline.\n", persona)
	fmt.Fprintf(&b, "Task #%d: %s\n", task.ID, task.Title)
	fmt.Fprintf(&b, "Repo: %s\n", task.RepoPath)
	if task.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", task.Branch)
	}
	if context != "" {
		b.WriteString("\n---\n")
		b.WriteString(context)
		b.WriteString("\n---\n")
	}
	b.WriteString(task.Description)
	return b.String()
}

package pipeline

import (
	"fmt"

	"github.com/neuralcollective/borg/internal/store"
)

// SpecParseError means the manager persona produced no usable spec artifact.
type SpecParseError struct{ Detail string }

func (e *SpecParseError) Error() string { return fmt.Sprintf("pipeline: spec parse error: %s", e.Detail) }

// QaParseError means the qa persona produced no usable artifact, or a
// required upstream artifact was missing.
type QaParseError struct{ Detail string }

func (e *QaParseError) Error() string { return fmt.Sprintf("pipeline: qa parse error: %s", e.Detail) }

// MergeConflict means a branch could not be merged into the primary branch.
type MergeConflict struct{ Detail string }

func (e *MergeConflict) Error() string { return fmt.Sprintf("pipeline: merge conflict: %s", e.Detail) }

// TestFailure means the configured test command exited non-zero.
type TestFailure struct{ Detail string }

func (e *TestFailure) Error() string { return fmt.Sprintf("pipeline: test failure: %s", e.Detail) }

// ContainerError means the agent container failed to run or exited abnormally
// for reasons unrelated to the task content.
type ContainerError struct{ Detail string }

func (e *ContainerError) Error() string { return fmt.Sprintf("pipeline: container error: %s", e.Detail) }

// GitError wraps a failed git invocation.
type GitError struct{ Detail string }

func (e *GitError) Error() string { return fmt.Sprintf("pipeline: git error: %s", e.Detail) }

// TimeoutError means a spawn was killed by its wall-clock timeout or an
// external cancellation.
type TimeoutError struct{ Detail string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("pipeline: timeout: %s", e.Detail) }

// nextStatusForFailure implements the error taxonomy dispatch table: parse
// errors and transient infrastructure errors retry, a test-level miss goes
// to qa_fix, and a merge conflict signal goes to rebase. failAttempt applies
// the max_attempts -> failed override on top of this.
func nextStatusForFailure(cause error) store.TaskStatus {
	switch cause.(type) {
	case *MergeConflict:
		return store.StatusRebase
	case *TestFailure:
		return store.StatusQAFix
	default:
		return store.StatusRetry
	}
}

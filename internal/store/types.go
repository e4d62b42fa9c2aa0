package store

import "time"

// Chat is a registered conversational endpoint, created by /register and
// destroyed by /unregister. Rows are never mutated after creation except
// for a folder rename.
type Chat struct {
	ChatID          string
	DisplayName     string
	Folder          string
	TriggerPhrase   string
	RequiresTrigger bool
	CreatedAt       time.Time
}

// Message is keyed by (ChatID, MessageID); re-delivery from a transport is
// a no-op because StoreMessage ignores on conflict.
type Message struct {
	ChatID        string
	MessageID     string
	SenderID      string
	SenderDisplay string
	Body          string
	Timestamp     string // ISO-8601 UTC, orders lexicographically
	IsFromSelf    bool
	IsBotReply    bool
}

// AgentSession is the resumable LLM session bound to a chat folder.
type AgentSession struct {
	Folder    string
	SessionID string
	CreatedAt time.Time
}

// TaskStatus enumerates every state a PipelineTask can occupy (spec.md §4.3).
type TaskStatus string

const (
	StatusBacklog TaskStatus = "backlog"
	StatusSpec    TaskStatus = "spec"
	StatusQA      TaskStatus = "qa"
	StatusQAFix   TaskStatus = "qa_fix"
	StatusImpl    TaskStatus = "impl"
	StatusRebase  TaskStatus = "rebase"
	StatusTest    TaskStatus = "test"
	StatusRetry   TaskStatus = "retry"
	StatusDone    TaskStatus = "done"
	StatusMerged  TaskStatus = "merged"
	StatusFailed  TaskStatus = "failed"
)

// activeStatuses are the non-terminal statuses next_task considers.
var activeStatuses = []TaskStatus{
	StatusBacklog, StatusSpec, StatusQA, StatusQAFix,
	StatusImpl, StatusRebase, StatusTest, StatusRetry,
}

// taskWeight orders active statuses by dispatch priority (spec.md §4.1
// "Algorithmic note — next_task"); lower sorts first.
var taskWeight = map[TaskStatus]int{
	StatusRebase: 0,
	StatusRetry:  1,
	StatusImpl:   2,
	StatusQA:     3,
	StatusQAFix:  3,
	StatusSpec:   4,
	StatusBacklog: 5,
	StatusTest:   6,
}

// PipelineTask is one unit of autonomous engineering work driven through
// spec -> qa -> implement -> test -> integrate by PipelineDriver.
type PipelineTask struct {
	ID          int64
	Title       string
	Description string
	RepoPath    string
	Branch      string
	Status      TaskStatus
	Attempt     int
	MaxAttempts int
	LastError   string
	CreatedBy   string
	NotifyChat  string
	SessionID   string
	CreatedAt   time.Time
}

// Canonical TaskOutput.Phase values that participate in phase_metrics().
const (
	PhaseSeed   = "seed"
	PhaseSpec   = "spec"
	PhaseQA     = "qa"
	PhaseQAFix  = "qa_fix"
	PhaseImpl   = "impl"
	PhaseRebase = "rebase"
	PhaseTest   = "test"
)

// metricsPhases is the filter phase_metrics() applies: only these five
// canonical phases participate (spec.md §4.1).
var metricsPhases = map[string]struct{}{
	PhaseSpec:   {},
	PhaseQA:     {},
	PhaseQAFix:  {},
	PhaseImpl:   {},
	PhaseRebase: {},
}

// TaskOutput is one append-only record of a persona/test invocation.
type TaskOutput struct {
	ID         int64
	TaskID     int64
	Phase      string
	Output     string
	RawStream  string
	ExitCode   int
	DurationMs int64
	Success    bool
	CostUSD    float64
	CreatedAt  time.Time
}

// maxOutputBytes is the truncation bound append_output applies to Output;
// RawStream is always stored verbatim.
const maxOutputBytes = 32000

// QueueStatus enumerates the lifecycle of an integration attempt.
type QueueStatus string

const (
	QueueStatusQueued   QueueStatus = "queued"
	QueueStatusMerging  QueueStatus = "merging"
	QueueStatusMerged   QueueStatus = "merged"
	QueueStatusExcluded QueueStatus = "excluded"
	QueueStatusFailed   QueueStatus = "failed"
)

// QueueEntry is one pending or completed integration attempt for a task
// branch. At most one queued|merging entry exists per task.
type QueueEntry struct {
	ID       int64
	TaskID   int64
	Branch   string
	RepoPath string
	Status   QueueStatus
	QueuedAt time.Time
	PRNumber int
}

// PhaseMetrics summarizes attempts/successes/duration/cost for one of the
// five canonical TaskOutput phases.
type PhaseMetrics struct {
	Phase          string
	Attempts       int
	Successes      int
	MeanDurationMs float64
	TotalCostUSD   float64
}

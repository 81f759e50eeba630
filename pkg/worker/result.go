// Package worker implements the pool that takes queued issues and
// produces WorkerResults, running each in an isolated git worktree on
// an ephemeral branch.
package worker

import "time"

// FailureKind is the closed taxonomy of worker-level failures.
type FailureKind string

const (
	FailureTimeout             FailureKind = "timeout"
	FailureAgentNonzeroExit    FailureKind = "agent_nonzero_exit"
	FailureVerdictNotReady     FailureKind = "verdict_not_ready"
	FailureNoCodeChanges       FailureKind = "no_code_changes"
	FailureHandoffCapExceeded  FailureKind = "handoff_cap_exceeded"
	FailureSetupFailed         FailureKind = "setup_failed"
	FailureInterrupted         FailureKind = "interrupted"
)

// Result is produced by a worker when it finishes an issue.
type Result struct {
	IssueID      string
	Success      bool
	Branch       string
	WorktreePath string
	FilesChanged []string
	LeakedFiles  []string
	Duration     time.Duration
	Error        string
	FailureKind  FailureKind
	Stdout       string
	Stderr       string

	WasCorrected bool
	ShouldClose  bool
	CloseReason  string
}

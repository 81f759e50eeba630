// Package merge implements the sequential merge coordinator that
// reintegrates worker branches into trunk with adaptive conflict
// recovery.
package merge

import "github.com/odvcencio/foreman/pkg/worker"

// FailureKind is the closed taxonomy of merge-level failures.
type FailureKind string

const (
	FailureConflictUnresolvable  FailureKind = "conflict_unresolvable"
	FailurePullFailed            FailureKind = "pull_failed"
	FailureStashFailed           FailureKind = "stash_failed"
	FailureIndexCorruptUnrecov   FailureKind = "index_corrupt_unrecoverable"
	FailureWorktreeRemovalFailed FailureKind = "worktree_removal_failed"
	FailureMergeCancelled        FailureKind = "merge_cancelled"
)

// RequestStatus is one of {pending, in_progress, success, conflict,
// failed, retrying}.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusSuccess    RequestStatus = "success"
	StatusConflict   RequestStatus = "conflict"
	StatusFailed     RequestStatus = "failed"
	StatusRetrying   RequestStatus = "retrying"
)

// Request carries a completed WorkerResult into the merge coordinator
// along with a channel the single coordinator goroutine replies on.
type Request struct {
	Result   *worker.Result
	ResultCh chan Outcome
}

// Outcome is the merge coordinator's reply to a single Request.
type Outcome struct {
	IssueID      string
	Status       RequestStatus
	Success      bool
	MergeCommit  string
	RetryCount   int
	FailureKind  FailureKind
	Error        string
	LeakWarnings []string
}

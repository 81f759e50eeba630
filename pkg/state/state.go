// Package state persists the orchestrator's crash-recoverable run
// state to a single JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IssueTiming records per-phase durations for a single issue's run:
// time to ready, implement, and merge.
type IssueTiming struct {
	ReadySeconds     float64 `json:"ready_seconds,omitempty"`
	ImplementSeconds float64 `json:"implement_seconds,omitempty"`
	MergeSeconds     float64 `json:"merge_seconds,omitempty"`
}

// PendingMerge is a worker result awaiting integration, persisted so a
// resumed run can re-submit it to the merge coordinator rather than
// re-running the worker.
type PendingMerge struct {
	IssueID      string    `json:"issue_id"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktree_path"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// State is the top-level persisted document.
type State struct {
	InProgressIssues []string               `json:"in_progress_issues"`
	CompletedIssues  []string               `json:"completed_issues"`
	FailedIssues     map[string]string      `json:"failed_issues"`
	PendingMerges    []PendingMerge         `json:"pending_merges"`
	Timing           map[string]IssueTiming `json:"timing"`
	StartedAt        time.Time              `json:"started_at"`
	LastCheckpoint   time.Time              `json:"last_checkpoint"`
}

// New returns an empty State with every collection field initialized,
// never nil, so a freshly started run and a loaded-then-round-tripped
// run serialize identically.
func New() *State {
	now := time.Now().UTC()
	return &State{
		InProgressIssues: []string{},
		CompletedIssues:  []string{},
		FailedIssues:     map[string]string{},
		PendingMerges:    []PendingMerge{},
		Timing:           map[string]IssueTiming{},
		StartedAt:        now,
		LastCheckpoint:   now,
	}
}

// Store persists State to a single file path, writing atomically via a
// temp-file-then-rename so a crash mid-write never corrupts the
// previous checkpoint.
type Store struct {
	path string
}

// NewStore returns a Store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path this store reads from and writes to.
func (s *Store) Path() string { return s.path }

// Load reads the state file at the store's path. A missing file
// returns a fresh State rather than an error, matching a first run.
// Every collection field is deep-copied out of the decoded value so
// later mutation of the returned State can never alias shared
// zero-value defaults.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: parsing %s: %w", s.path, err)
	}
	return deepCopy(&st), nil
}

// Save atomically writes st to the store's path, stamping
// LastCheckpoint to now before writing.
func (s *Store) Save(st *State) error {
	st.LastCheckpoint = time.Now().UTC()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: renaming into place: %w", err)
	}
	return nil
}

// deepCopy returns a State with every slice/map field copied into
// fresh backing storage, so mutating the result can never alias st's
// own storage (or, for a zero-value st, the package-level defaults
// json.Unmarshal would otherwise leave nil and shared).
func deepCopy(st *State) *State {
	out := &State{
		StartedAt:      st.StartedAt,
		LastCheckpoint: st.LastCheckpoint,
	}

	out.InProgressIssues = append([]string{}, st.InProgressIssues...)
	out.CompletedIssues = append([]string{}, st.CompletedIssues...)
	out.PendingMerges = append([]PendingMerge{}, st.PendingMerges...)

	out.FailedIssues = make(map[string]string, len(st.FailedIssues))
	for k, v := range st.FailedIssues {
		out.FailedIssues[k] = v
	}

	out.Timing = make(map[string]IssueTiming, len(st.Timing))
	for k, v := range st.Timing {
		out.Timing[k] = v
	}

	return out
}

// MarkInProgress records issueID as assigned to a worker. An issue
// occupies exactly one state slot at a time.
func (st *State) MarkInProgress(issueID string) {
	st.removeFromAll(issueID)
	st.InProgressIssues = append(st.InProgressIssues, issueID)
}

// MarkCompleted moves issueID from in-progress into the completed list.
func (st *State) MarkCompleted(issueID string) {
	st.removeFromAll(issueID)
	st.CompletedIssues = append(st.CompletedIssues, issueID)
}

// MarkFailed moves issueID from in-progress into the failed map with
// the given terminal reason.
func (st *State) MarkFailed(issueID, reason string) {
	st.removeFromAll(issueID)
	st.FailedIssues[issueID] = reason
}

// MarkPendingMerge records a worker result awaiting integration,
// removing issueID from in-progress.
func (st *State) MarkPendingMerge(pm PendingMerge) {
	st.removeFromAll(pm.IssueID)
	st.PendingMerges = append(st.PendingMerges, pm)
}

// ResolvePendingMerge removes issueID from the pending-merge list,
// called once the merge coordinator has produced an outcome for it.
func (st *State) ResolvePendingMerge(issueID string) {
	filtered := st.PendingMerges[:0]
	for _, pm := range st.PendingMerges {
		if pm.IssueID != issueID {
			filtered = append(filtered, pm)
		}
	}
	st.PendingMerges = filtered
}

// removeFromAll strips issueID out of every state slot, enforcing the
// "at most one slot at a time" invariant before a Mark* call adds it
// back to exactly one.
func (st *State) removeFromAll(issueID string) {
	st.InProgressIssues = removeString(st.InProgressIssues, issueID)
	st.CompletedIssues = removeString(st.CompletedIssues, issueID)
	delete(st.FailedIssues, issueID)
	st.ResolvePendingMerge(issueID)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// RecordTiming merges phase durations for issueID into the timing map.
func (st *State) RecordTiming(issueID string, phase string, d time.Duration) {
	t := st.Timing[issueID]
	switch phase {
	case "ready":
		t.ReadySeconds = d.Seconds()
	case "implement":
		t.ImplementSeconds = d.Seconds()
	case "merge":
		t.MergeSeconds = d.Seconds()
	}
	st.Timing[issueID] = t
}

// IsCompleted reports whether issueID has already been recorded as
// completed.
func (st *State) IsCompleted(issueID string) bool {
	for _, id := range st.CompletedIssues {
		if id == issueID {
			return true
		}
	}
	return false
}

package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odvcencio/foreman/pkg/gitlock"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/metrics"
	"github.com/odvcencio/foreman/pkg/worker"
	"github.com/odvcencio/foreman/pkg/worktree"
)

// Config controls coordinator behavior, mirroring config.ParallelConfig's
// merge-facing fields.
type Config struct {
	IssuesBaseDir           string
	MaxMergeRetries         int
	CircuitBreakerThreshold int
	Cooldown                time.Duration
	BackupDir               string
}

// Coordinator serializes reintegration of worker branches into trunk.
// A single goroutine (Start) drains Requests in FIFO order — the
// "single producer (workers) / single consumer (coordinator)" channel
// discipline this needs, since concurrent merges against the same
// trunk would race the index.
type Coordinator struct {
	cfg       Config
	worktrees *worktree.Manager
	lock      *gitlock.Lock
	trunk     string
	logger    *logging.Logger

	queue chan *Request
	done  chan struct{}
	wg    sync.WaitGroup

	problematicCommits *lru.Cache[string, int]

	// mergeFn and rebaseFn default to the real gitops subprocess calls;
	// tests override them to script conflict/retry sequences without
	// depending on git's actual conflict-resolution behavior for a
	// given pair of histories.
	mergeFn  func(ctx context.Context, dir, branch, message string) (string, bool, error)
	rebaseFn func(ctx context.Context, worktreePath, trunk string) (string, bool, error)

	mu                  sync.Mutex
	consecutiveFailures int
	breakerUntil        time.Time
	stopped             bool
}

// New constructs a Coordinator. It does not start the consumer
// goroutine; call Start for that.
func New(cfg Config, wt *worktree.Manager, lock *gitlock.Lock, trunk string, logger *logging.Logger) (*Coordinator, error) {
	cache, err := lru.New[string, int](256)
	if err != nil {
		return nil, fmt.Errorf("merge: creating problematic-commit cache: %w", err)
	}
	return &Coordinator{
		cfg:                cfg,
		worktrees:          wt,
		lock:               lock,
		trunk:              trunk,
		logger:             logger,
		queue:              make(chan *Request, 256),
		done:               make(chan struct{}),
		problematicCommits: cache,
		mergeFn:            mergeBranch,
		rebaseFn:           rebaseBranchOntoTrunk,
	}, nil
}

// Start launches the single coordinator goroutine that drains the
// queue in FIFO order until ctx is cancelled or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case req, ok := <-c.queue:
				if !ok {
					return
				}
				c.handle(ctx, req)
			case <-c.done:
				c.drainCancelled()
				return
			case <-ctx.Done():
				c.drainCancelled()
				return
			}
		}
	}()
}

// Enqueue submits a successful, non-closing WorkerResult for
// integration and returns a channel that receives exactly one Outcome.
func (c *Coordinator) Enqueue(result *worker.Result) (<-chan Outcome, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, fmt.Errorf("merge: coordinator is shut down")
	}
	if time.Now().Before(c.breakerUntil) {
		c.mu.Unlock()
		return nil, fmt.Errorf("merge: circuit breaker open until %s", c.breakerUntil.Format(time.RFC3339))
	}
	c.mu.Unlock()

	req := &Request{Result: result, ResultCh: make(chan Outcome, 1)}
	select {
	case c.queue <- req:
		return req.ResultCh, nil
	default:
		return nil, fmt.Errorf("merge: queue full")
	}
}

// Shutdown stops accepting new requests. If wait is true it drains the
// existing queue (bounded by timeout); otherwise pending requests are
// recorded as merge_cancelled.
func (c *Coordinator) Shutdown(wait bool, timeout time.Duration) {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if wait {
		waited := make(chan struct{})
		go func() {
			for len(c.queue) > 0 {
				time.Sleep(10 * time.Millisecond)
			}
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(timeout):
		}
	}

	close(c.done)
	c.wg.Wait()
}

// drainCancelled replies merge_cancelled to every request still
// sitting in the queue at forced shutdown.
func (c *Coordinator) drainCancelled() {
	for {
		select {
		case req := <-c.queue:
			req.ResultCh <- Outcome{
				IssueID:     req.Result.IssueID,
				Status:      StatusFailed,
				Success:     false,
				FailureKind: FailureMergeCancelled,
				Error:       "merge cancelled at shutdown",
			}
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, req *Request) {
	outcome := c.processMerge(ctx, req.Result)
	c.recordBreakerState(outcome.Success)
	metrics.RecordMergeOutcome(string(outcome.Status))
	req.ResultCh <- outcome
}

func (c *Coordinator) recordBreakerState(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.consecutiveFailures = 0
		return
	}
	c.consecutiveFailures++
	if c.consecutiveFailures >= c.cfg.CircuitBreakerThreshold {
		c.breakerUntil = time.Now().Add(c.cfg.Cooldown)
		metrics.CircuitBreakerTrips.Inc()
		if c.logger != nil {
			c.logger.Warn(logging.CategoryMerge, "circuit_breaker.tripped",
				fmt.Sprintf("%d consecutive merge failures, pausing until %s", c.consecutiveFailures, c.breakerUntil.Format(time.RFC3339)), nil)
		}
	}
}

// processMerge runs the full per-request merge protocol.
func (c *Coordinator) processMerge(ctx context.Context, wr *worker.Result) Outcome {
	issueID := wr.IssueID
	out := Outcome{IssueID: issueID, Status: StatusInProgress}

	release, err := c.lock.Acquire(ctx, "merge:"+issueID)
	if err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailurePullFailed
		out.Error = fmt.Sprintf("acquiring git lock: %v", err)
		return out
	}
	defer release()

	repoPath := c.worktrees.RepoPath()

	if err := c.preMergeSync(ctx, repoPath); err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailureStashFailed
		out.Error = err.Error()
		c.cleanupFailedBranch(ctx, wr, &out)
		return out
	}
	stashed, backupDir, err := c.stashAndBackup(ctx, repoPath, issueID)
	if err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailureStashFailed
		out.Error = err.Error()
		c.cleanupFailedBranch(ctx, wr, &out)
		return out
	}
	defer c.restore(ctx, repoPath, stashed, backupDir)

	if err := checkoutTrunk(ctx, repoPath, c.trunk); err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailurePullFailed
		out.Error = err.Error()
		c.cleanupFailedBranch(ctx, wr, &out)
		return out
	}

	if err := c.updateTrunk(ctx, repoPath); err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailurePullFailed
		out.Error = err.Error()
		c.cleanupFailedBranch(ctx, wr, &out)
		return out
	}

	commit, retries, err := c.integrateBranch(ctx, repoPath, wr.WorktreePath, wr.Branch, issueID)
	if err != nil {
		out.Status = StatusFailed
		out.FailureKind = FailureConflictUnresolvable
		out.Error = err.Error()
		out.RetryCount = retries
		c.cleanupFailedBranch(ctx, wr, &out)
		return out
	}

	out.MergeCommit = commit
	out.RetryCount = retries
	out.Success = true
	out.Status = StatusSuccess

	// The worktree is removed without asking Manager.Remove to also
	// delete the branch: its safe "-d" delete frequently refuses
	// --no-ff merge commits depending on topology, whereas by this
	// point the branch's commits are already integrated into trunk, so
	// deleteBranch's force "-D" is both safe and necessary here.
	if err := c.worktrees.Remove(ctx, wr.Branch, false, false); err != nil {
		out.LeakWarnings = append(out.LeakWarnings, fmt.Sprintf("%s: %v", FailureWorktreeRemovalFailed, err))
		if c.logger != nil {
			c.logger.Warn(logging.CategoryMerge, "worktree.removal_failed", err.Error(), map[string]any{"issue_id": issueID})
		}
	}
	if err := deleteBranch(ctx, repoPath, wr.Branch); err != nil && c.logger != nil {
		c.logger.Warn(logging.CategoryMerge, "branch.delete_failed", err.Error(), map[string]any{"issue_id": issueID})
	}

	for _, leak := range wr.LeakedFiles {
		out.LeakWarnings = append(out.LeakWarnings, fmt.Sprintf("leaked file outside worktree: %s", leak))
	}

	return out
}

// cleanupFailedBranch removes the worktree and force-deletes the
// branch for a merge that did not reach StatusSuccess. Its commits
// never landed in trunk, so the safe "-d" delete would refuse the
// branch; it is force-deleted, as on the success path. Without this, the branch
// and worktree directory are left on disk at their deterministic
// path, and a retry's worker dispatch fails worktree setup with
// "path already exists" instead of attempting a genuine re-merge.
func (c *Coordinator) cleanupFailedBranch(ctx context.Context, wr *worker.Result, out *Outcome) {
	if err := c.worktrees.Remove(ctx, wr.Branch, true, true); err != nil {
		out.LeakWarnings = append(out.LeakWarnings, fmt.Sprintf("%s: %v", FailureWorktreeRemovalFailed, err))
		if c.logger != nil {
			c.logger.Warn(logging.CategoryMerge, "worktree.cleanup_failed", err.Error(), map[string]any{"issue_id": wr.IssueID})
		}
	}
}

// preMergeSync auto-commits dirty files under the issue-tracking area
// (lifecycle bookkeeping); everything else is left for stashAndBackup.
func (c *Coordinator) preMergeSync(ctx context.Context, repoPath string) error {
	dirty, err := worker.DirtyFiles(ctx, repoPath)
	if err != nil {
		return fmt.Errorf("inspecting dirty files: %w", err)
	}

	var lifecycle []string
	base := filepath.Clean(c.cfg.IssuesBaseDir)
	for _, f := range dirty {
		if strings.HasPrefix(filepath.Clean(f), base) {
			lifecycle = append(lifecycle, f)
		}
	}
	if len(lifecycle) == 0 {
		return nil
	}
	return autoCommit(ctx, repoPath, "chore: lifecycle bookkeeping [automated]", lifecycle)
}

// stashAndBackup stashes remaining tracked dirty files and backs up
// untracked files to a run-scoped temp directory.
func (c *Coordinator) stashAndBackup(ctx context.Context, repoPath, issueID string) (stashed bool, backupDir string, err error) {
	stashed, err = stashPush(ctx, repoPath, fmt.Sprintf("foreman-merge-%s", issueID))
	if err != nil {
		return false, "", err
	}

	untracked, err := untrackedFiles(ctx, repoPath)
	if err != nil {
		return stashed, "", fmt.Errorf("listing untracked files: %w", err)
	}
	if len(untracked) == 0 {
		return stashed, "", nil
	}

	backupDir = filepath.Join(c.cfg.BackupDir, issueID, fmt.Sprint(time.Now().UnixNano()))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return stashed, "", fmt.Errorf("creating backup dir: %w", err)
	}
	for _, f := range untracked {
		src := filepath.Join(repoPath, f)
		dest := filepath.Join(backupDir, f)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		_ = os.WriteFile(dest, data, 0o644)
	}
	return stashed, backupDir, nil
}

func (c *Coordinator) restore(ctx context.Context, repoPath string, stashed bool, backupDir string) {
	if stashed {
		if err := stashPop(ctx, repoPath); err != nil && c.logger != nil {
			c.logger.Warn(logging.CategoryMerge, "stash.restore_failed", err.Error(), nil)
		}
	}
	if backupDir == "" {
		return
	}
	_ = filepath.Walk(backupDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupDir, path)
		if err != nil {
			return nil
		}
		dest := filepath.Join(repoPath, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		_ = os.MkdirAll(filepath.Dir(dest), 0o755)
		_ = os.WriteFile(dest, data, 0o644)
		return nil
	})
}

// updateTrunk pulls with an adaptive strategy: rebase by default,
// falling back to a regular merge for commits already known to
// repeatedly conflict under rebase, with half-rebase and
// corrupted-index recovery.
func (c *Coordinator) updateTrunk(ctx context.Context, repoPath string) error {
	if rebaseInProgress(repoPath) {
		if err := abortRebase(ctx, repoPath); err != nil {
			return err
		}
	}

	head, err := headHash(ctx, repoPath)
	if err != nil {
		return err
	}

	useMerge := false
	if n, ok := c.problematicCommits.Get(head); ok && n > 0 {
		useMerge = true
	}

	var out string
	if useMerge {
		out, err = pullMerge(ctx, repoPath)
	} else {
		out, err = pullRebase(ctx, repoPath)
	}

	if err == nil {
		return nil
	}

	if isIndexCorrupt(out) {
		if repairErr := repairIndex(ctx, repoPath); repairErr != nil {
			return fmt.Errorf("index corrupt and unrecoverable: %w", repairErr)
		}
		if out2, err2 := pullRebase(ctx, repoPath); err2 != nil {
			return fmt.Errorf("pull after index repair: %w\n%s", err2, out2)
		}
		return nil
	}

	if !useMerge {
		c.noteProblematicCommit(head)
		if rebaseInProgress(repoPath) {
			_ = abortRebase(ctx, repoPath)
		}
		if out2, err2 := pullMerge(ctx, repoPath); err2 != nil {
			return fmt.Errorf("pull (merge fallback): %w\n%s", err2, out2)
		}
		return nil
	}

	return fmt.Errorf("pull: %w\n%s", err, out)
}

func (c *Coordinator) noteProblematicCommit(commit string) {
	n, _ := c.problematicCommits.Get(commit)
	c.problematicCommits.Add(commit, n+1)
}

// integrateBranch merges branch into trunk, rebasing the ephemeral
// branch and retrying on conflict up to MaxMergeRetries.
func (c *Coordinator) integrateBranch(ctx context.Context, repoPath, worktreePath, branch, issueID string) (commit string, retries int, err error) {
	message := fmt.Sprintf("merge: %s via parallel orchestrator", issueID)

	for retries = 0; retries <= c.cfg.MaxMergeRetries; retries++ {
		_, conflict, mergeErr := c.mergeFn(ctx, repoPath, branch, message)
		if mergeErr != nil {
			return "", retries, mergeErr
		}
		if !conflict {
			head, err := headHash(ctx, repoPath)
			if err != nil {
				return "", retries, err
			}
			return head, retries, nil
		}

		abortMerge(ctx, repoPath)
		metrics.MergeRetries.Inc()

		if retries == c.cfg.MaxMergeRetries {
			break
		}
		_, rebaseConflict, rebaseErr := c.rebaseFn(ctx, worktreePath, c.trunk)
		if rebaseErr != nil {
			return "", retries, rebaseErr
		}
		if rebaseConflict {
			return "", retries, fmt.Errorf("rebase of %s onto %s produced conflicts", branch, c.trunk)
		}
	}

	files, _ := conflictFiles(ctx, repoPath)
	return "", retries, fmt.Errorf("conflict retries exhausted after %d retries, files: %s", retries, strings.Join(files, ", "))
}

func untrackedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := runGit(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines([]byte(out)), nil
}

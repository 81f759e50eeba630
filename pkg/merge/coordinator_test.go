package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/foreman/pkg/gitlock"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/worker"
	"github.com/odvcencio/foreman/pkg/worktree"
)

func TestCoordinatorMergeSucceedsCleanly(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	branch := "parallel/BUG-010-feature"
	wt, err := wtMgr.Create(ctx, branch, trunk)
	require.NoError(t, err)
	writeAndCommit(t, wt.Path, "feature.go", "package main\n", "branch: add feature.go")

	lock := gitlock.New(gitlock.DefaultConfig())
	coord, err := New(Config{MaxMergeRetries: 2, CircuitBreakerThreshold: 3, Cooldown: 30 * time.Second, BackupDir: t.TempDir()}, wtMgr, lock, trunk, nil)
	require.NoError(t, err)

	result := &worker.Result{IssueID: "BUG-010", Branch: branch, WorktreePath: wt.Path}
	outcome := coord.processMerge(ctx, result)

	require.True(t, outcome.Success, "expected a disjoint-file merge to succeed cleanly: %+v", outcome)
	require.Equal(t, StatusSuccess, outcome.Status)
	require.Equal(t, 0, outcome.RetryCount)
	require.NotEmpty(t, outcome.MergeCommit)
}

// TestCoordinatorRetryRecoversFromConflict exercises integrateBranch's
// rebase-then-retry bookkeeping with scripted merge/rebase outcomes,
// since whether a real conflict resolves after a rebase depends on the
// exact shape of the colliding histories rather than on this retry
// logic itself.
func TestCoordinatorRetryRecoversFromConflict(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	branch := "parallel/BUG-012-retry"
	wt, err := wtMgr.Create(ctx, branch, trunk)
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	coord, err := New(Config{MaxMergeRetries: 2, CircuitBreakerThreshold: 3, Cooldown: 30 * time.Second, BackupDir: t.TempDir()}, wtMgr, lock, trunk, nil)
	require.NoError(t, err)

	mergeCalls := 0
	coord.mergeFn = func(ctx context.Context, dir, branch, message string) (string, bool, error) {
		mergeCalls++
		if mergeCalls == 1 {
			return "CONFLICT (content): Merge conflict", true, nil
		}
		return "", false, nil
	}
	rebaseCalls := 0
	coord.rebaseFn = func(ctx context.Context, worktreePath, trunk string) (string, bool, error) {
		rebaseCalls++
		return "", false, nil
	}

	result := &worker.Result{IssueID: "BUG-012", Branch: branch, WorktreePath: wt.Path}
	outcome := coord.processMerge(ctx, result)

	require.True(t, outcome.Success, "expected the second merge attempt to succeed: %+v", outcome)
	require.Equal(t, 1, outcome.RetryCount)
	require.Equal(t, 1, rebaseCalls)
	require.Equal(t, 2, mergeCalls)
}

func TestCoordinatorConflictExhaustion(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	branch := "parallel/BUG-011-stuck"
	wt, err := wtMgr.Create(ctx, branch, trunk)
	require.NoError(t, err)

	// Both sides add the same new file with different content: a
	// genuine add/add conflict that persists whether merged directly
	// or replayed commit-by-commit via rebase.
	writeAndCommit(t, wt.Path, "shared.txt", "branch change\n", "branch: add shared.txt")
	writeAndCommit(t, repo, "shared.txt", "trunk change\n", "trunk: add shared.txt")

	lock := gitlock.New(gitlock.DefaultConfig())
	logDir := t.TempDir()
	logger, err := logging.NewLogger(logDir, "test-run")
	require.NoError(t, err)
	defer logger.Close()

	coord, err := New(Config{MaxMergeRetries: 1, CircuitBreakerThreshold: 3, Cooldown: 30 * time.Second, BackupDir: t.TempDir()}, wtMgr, lock, trunk, logger)
	require.NoError(t, err)

	result := &worker.Result{IssueID: "BUG-011", Branch: branch, WorktreePath: wt.Path}
	outcome := coord.processMerge(ctx, result)

	require.False(t, outcome.Success)
	require.Equal(t, FailureConflictUnresolvable, outcome.FailureKind)
}

func TestCoordinatorCircuitBreakerTripsAfterThreshold(t *testing.T) {
	repo := initGitRepo(t)
	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	coord, err := New(Config{MaxMergeRetries: 0, CircuitBreakerThreshold: 2, Cooldown: time.Minute, BackupDir: t.TempDir()}, wtMgr, lock, trunk, nil)
	require.NoError(t, err)

	coord.recordBreakerState(false)
	_, err = coord.Enqueue(&worker.Result{IssueID: "BUG-020"})
	require.NoError(t, err, "breaker should still be closed after one failure")

	coord.recordBreakerState(false)
	_, err = coord.Enqueue(&worker.Result{IssueID: "BUG-021"})
	require.Error(t, err, "breaker should be open after hitting the threshold")
}

// TestCoordinatorDrainCancelledMarksPendingRequests exercises the forced
// shutdown path directly: requests still sitting in the queue must come
// back as merge_cancelled rather than being silently dropped.
func TestCoordinatorDrainCancelledMarksPendingRequests(t *testing.T) {
	repo := initGitRepo(t)
	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	coord, err := New(Config{MaxMergeRetries: 1, CircuitBreakerThreshold: 3, Cooldown: time.Second, BackupDir: t.TempDir()}, wtMgr, lock, trunk, nil)
	require.NoError(t, err)

	req := &Request{Result: &worker.Result{IssueID: "BUG-099"}, ResultCh: make(chan Outcome, 1)}
	coord.queue <- req

	coord.drainCancelled()

	select {
	case outcome := <-req.ResultCh:
		require.Equal(t, FailureMergeCancelled, outcome.FailureKind)
		require.Equal(t, "BUG-099", outcome.IssueID)
	default:
		t.Fatal("expected a cancelled outcome to already be on the channel")
	}
}

// TestCoordinatorShutdownStopsAcceptingWork confirms Shutdown flips the
// coordinator closed so subsequent Enqueue calls are rejected.
func TestCoordinatorShutdownStopsAcceptingWork(t *testing.T) {
	repo := initGitRepo(t)
	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	coord, err := New(Config{MaxMergeRetries: 1, CircuitBreakerThreshold: 3, Cooldown: time.Second, BackupDir: t.TempDir()}, wtMgr, lock, trunk, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	coord.Shutdown(false, time.Second)
	cancel()

	_, err = coord.Enqueue(&worker.Result{IssueID: "BUG-100"})
	require.Error(t, err)
}

func writeAndCommit(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGitTest(t, dir, "add", name)
	runGitTest(t, dir, "commit", "-m", message)
}

func runGitTest(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitTest(t, dir, "init")
	runGitTest(t, dir, "config", "user.name", "Test User")
	runGitTest(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644))
	runGitTest(t, dir, "add", "README.md")
	runGitTest(t, dir, "commit", "-m", "init")
	return dir
}

package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/foreman/pkg/agentproc"
	"github.com/odvcencio/foreman/pkg/gitlock"
	"github.com/odvcencio/foreman/pkg/issue"
	"github.com/odvcencio/foreman/pkg/priorityqueue"
	"github.com/odvcencio/foreman/pkg/worktree"
)

// scriptedInvoker returns canned readiness/implementation stdout,
// writing a commit to the worktree on the implementation call so
// ChangedFiles sees a real diff.
type scriptedInvoker struct {
	t         *testing.T
	responses []string
	call      int
}

func (s *scriptedInvoker) Invoke(ctx context.Context, workdir, promptPath string) (string, string, error) {
	resp := s.responses[s.call]
	s.call++
	if s.call == 2 {
		// Simulate the implementation pass making and committing a change.
		require.NoError(s.t, os.WriteFile(filepath.Join(workdir, "feature.go"), []byte("package main\n"), 0o644))
		runGit(s.t, workdir, "add", "feature.go")
		runGit(s.t, workdir, "commit", "-m", "implement issue")
	}
	return resp, "", nil
}

func TestPoolRunBatchSuccessPath(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	queue := priorityqueue.New()

	iss := &issue.Issue{ID: "BUG-001", Category: issue.CategoryBugs, Priority: 2, Slug: "fix-thing", Title: "Fix the thing", Path: filepath.Join(repo, ".issues", "bugs", "P2-BUG-001-fix-thing.md")}
	queue.Add(iss)

	inv := &scriptedInvoker{t: t, responses: []string{"## VERDICT\nREADY\n", "done, no handoff"}}
	newRunner := func() *agentproc.Runner {
		return &agentproc.Runner{Invoker: inv}
	}

	cfg := Config{
		MaxWorkers:              1,
		IssueTimeout:            5 * time.Second,
		HandoffMaxContinuations: 2,
		RequireCodeChanges:      true,
		IssuesBaseDir:           ".issues",
	}
	pool := New(cfg, queue, wtMgr, lock, trunk, newRunner, nil)

	require.NoError(t, pool.RunBatch(ctx, []*issue.Issue{iss}, 1))

	select {
	case res := <-pool.Results():
		require.True(t, res.Success)
		require.Equal(t, "BUG-001", res.IssueID)
		require.Contains(t, res.FilesChanged, "feature.go")
	default:
		t.Fatal("expected a result on the results channel")
	}
}

func TestPoolRunBatchVerdictNotReady(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	wtMgr, err := worktree.NewManager(repo, "")
	require.NoError(t, err)
	trunk, err := wtMgr.DefaultBranch()
	require.NoError(t, err)

	lock := gitlock.New(gitlock.DefaultConfig())
	queue := priorityqueue.New()

	iss := &issue.Issue{ID: "BUG-002", Category: issue.CategoryBugs, Priority: 2, Slug: "needs-work"}
	inv := &scriptedInvoker{t: t, responses: []string{"## VERDICT\nNOT_READY\n"}}
	newRunner := func() *agentproc.Runner { return &agentproc.Runner{Invoker: inv} }

	cfg := Config{MaxWorkers: 1, IssueTimeout: 5 * time.Second, IssuesBaseDir: ".issues"}
	pool := New(cfg, queue, wtMgr, lock, trunk, newRunner, nil)

	require.NoError(t, pool.RunBatch(ctx, []*issue.Issue{iss}, 1))

	res := <-pool.Results()
	require.False(t, res.Success)
	require.Equal(t, FailureVerdictNotReady, res.FailureKind)
}

func runGit(t *testing.T, dir string, args ...string) {
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
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

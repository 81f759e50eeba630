package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/foreman/pkg/agentproc"
	"github.com/odvcencio/foreman/pkg/gitlock"
	"github.com/odvcencio/foreman/pkg/issue"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/metrics"
	"github.com/odvcencio/foreman/pkg/priorityqueue"
	"github.com/odvcencio/foreman/pkg/worktree"
)

// Config controls worker pool behavior, mirroring config.ParallelConfig's
// worker-facing fields.
type Config struct {
	MaxWorkers              int
	IssueTimeout            time.Duration
	HandoffMaxContinuations int
	RequireCodeChanges      bool
	IssuesBaseDir           string
	WorktreeAllowlist       []string
}

// Pool runs the issues passed to RunBatch, in slice order, through
// isolated worktrees; the priority queue given to New is held but not
// read. Concurrency is bounded by a
// semaphore-gated errgroup — a fixed-size-goroutine-pool idiom folded
// together with an errgroup.WithContext idiom into one dispatcher, so
// both dispatch disciplines (P0 sequential, then bounded parallel)
// share a single implementation: callers simply
// bound concurrency to 1 for the P0 sub-wave.
type Pool struct {
	cfg       Config
	queue     *priorityqueue.Queue
	worktrees *worktree.Manager
	lock      *gitlock.Lock
	newRunner func() *agentproc.Runner
	trunkRef  string
	logger    *logging.Logger

	results chan *Result
}

// New constructs a Pool. newRunner is called once per issue so every
// worker gets its own Runner (stateless, but keeps call sites simple
// if a future Runner gains per-invocation state).
func New(cfg Config, queue *priorityqueue.Queue, wt *worktree.Manager, lock *gitlock.Lock, trunkRef string, newRunner func() *agentproc.Runner, logger *logging.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		queue:     queue,
		worktrees: wt,
		lock:      lock,
		newRunner: newRunner,
		trunkRef:  trunkRef,
		logger:    logger,
		results:   make(chan *Result, 64),
	}
}

// Results returns the channel workers publish completed Results to.
// The orchestrator is the sole consumer; it hands successful results
// on to the merge coordinator.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// RunBatch dispatches every issue in issues, bounded by maxParallel
// concurrent workers, and blocks until all have produced a Result.
// maxParallel=1 implements the P0-sequential sub-wave; maxParallel>1
// implements the bounded-parallel sub-wave.
func (p *Pool) RunBatch(ctx context.Context, issues []*issue.Issue, maxParallel int) error {
	if maxParallel < 1 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))
	g, gctx := errgroup.WithContext(ctx)

	for _, iss := range issues {
		iss := iss
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("worker: acquiring dispatch slot: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			result := p.process(gctx, iss)
			select {
			case p.results <- result:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}

	return g.Wait()
}

// process runs the full worktree-setup -> readiness -> implementation
// -> post-check protocol for a single issue.
func (p *Pool) process(ctx context.Context, iss *issue.Issue) *Result {
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	start := time.Now()
	branch := iss.BranchName()

	res := &Result{IssueID: iss.ID, Branch: branch}

	release, err := p.lock.Acquire(ctx, "worker:"+iss.ID)
	if err != nil {
		return p.fail(res, start, FailureSetupFailed, fmt.Errorf("acquiring git lock: %w", err))
	}
	wt, err := p.worktrees.Create(ctx, branch, p.trunkRef)
	if err != nil {
		release()
		return p.fail(res, start, FailureSetupFailed, fmt.Errorf("creating worktree: %w", err))
	}
	warnings := p.worktrees.CopyAllowlisted(wt, p.cfg.WorktreeAllowlist)
	for _, w := range warnings {
		p.logWarn(iss.ID, w)
	}
	release()

	res.WorktreePath = wt.Path

	runner := p.newRunner()
	runner.Timeout = p.cfg.IssueTimeout
	runner.HandoffMaxContinuations = p.cfg.HandoffMaxContinuations

	promptPath, err := agentproc.WritePrompt(wt.Path, "readiness-prompt.md", readinessPrompt(iss))
	if err != nil {
		return p.fail(res, start, FailureSetupFailed, fmt.Errorf("writing readiness prompt: %w", err))
	}

	readiness, err := runner.RunReadiness(ctx, wt.Path, promptPath)
	if err != nil {
		if ctx.Err() != nil {
			return p.fail(res, start, FailureTimeout, err)
		}
		return p.fail(res, start, FailureAgentNonzeroExit, err)
	}

	res.WasCorrected = readiness.WasCorrected
	if readiness.ShouldClose {
		res.Success = true
		res.ShouldClose = true
		res.CloseReason = readiness.CloseReason
		res.Duration = time.Since(start)
		return res
	}
	if !readiness.Verdict.Proceeds() {
		res.CloseReason = string(readiness.Verdict)
		return p.fail(res, start, FailureVerdictNotReady, fmt.Errorf("readiness verdict %s", readiness.Verdict))
	}

	implPromptPath, err := agentproc.WritePrompt(wt.Path, "implementation-prompt.md", implementationPrompt(iss))
	if err != nil {
		return p.fail(res, start, FailureSetupFailed, fmt.Errorf("writing implementation prompt: %w", err))
	}

	impl := runner.RunImplementation(ctx, wt.Path, implPromptPath)
	res.Stdout = impl.Stdout
	res.Stderr = impl.Stderr
	if impl.Err != nil {
		if impl.Continuations >= p.cfg.HandoffMaxContinuations {
			return p.fail(res, start, FailureHandoffCapExceeded, impl.Err)
		}
		if ctx.Err() != nil {
			return p.fail(res, start, FailureTimeout, impl.Err)
		}
		return p.fail(res, start, FailureAgentNonzeroExit, impl.Err)
	}

	changed, err := ChangedFiles(ctx, wt.Path, p.trunkRef)
	if err != nil {
		return p.fail(res, start, FailureSetupFailed, fmt.Errorf("computing changed files: %w", err))
	}
	res.FilesChanged = changed

	if p.cfg.RequireCodeChanges && !RequiresCodeChange(changed, p.cfg.IssuesBaseDir) {
		return p.fail(res, start, FailureNoCodeChanges, fmt.Errorf("no file changed outside %s", p.cfg.IssuesBaseDir))
	}

	mainDirty, err := DirtyFiles(ctx, p.worktrees.RepoPath())
	if err == nil {
		completedRoot := CanonicalPath(p.worktrees.RepoPath(), filepath.Join(p.cfg.IssuesBaseDir, string(iss.Category), "completed"))
		res.LeakedFiles = DetectLeaks(p.worktrees.RepoPath(), mainDirty, completedRoot)
	}

	res.Success = true
	res.Duration = time.Since(start)
	return res
}

func (p *Pool) fail(res *Result, start time.Time, kind FailureKind, err error) *Result {
	res.Success = false
	res.FailureKind = kind
	res.Error = err.Error()
	res.Duration = time.Since(start)
	if p.logger != nil {
		p.logger.Error(logging.CategoryWorker, "issue.failed", err.Error(), map[string]any{
			"issue_id": res.IssueID,
			"kind":     string(kind),
		})
	}
	return res
}

func (p *Pool) logWarn(issueID, msg string) {
	if p.logger != nil {
		p.logger.Warn(logging.CategoryWorker, "worktree.warning", msg, map[string]any{"issue_id": issueID})
	}
}

func readinessPrompt(iss *issue.Issue) string {
	return fmt.Sprintf("Issue %s: %s\n\nDetermine readiness. Respond with a ## VERDICT section.\n", iss.ID, iss.Title)
}

func implementationPrompt(iss *issue.Issue) string {
	return fmt.Sprintf("Implement issue %s: %s\n", iss.ID, iss.Title)
}

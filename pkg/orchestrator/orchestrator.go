// Package orchestrator owns every other component's lifecycle: it
// scans the issue backlog, computes dependency waves, drains the P0
// sub-wave sequentially, dispatches the remaining sub-waves in
// parallel, feeds finished work to the merge coordinator, persists
// crash-recoverable state, and handles graceful shutdown. State is
// written to disk after each wave and once more at the end of the run;
// transitions between those points are held in memory only.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/foreman/pkg/agentproc"
	"github.com/odvcencio/foreman/pkg/config"
	"github.com/odvcencio/foreman/pkg/depgraph"
	"github.com/odvcencio/foreman/pkg/gitlock"
	"github.com/odvcencio/foreman/pkg/issue"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/merge"
	"github.com/odvcencio/foreman/pkg/metrics"
	"github.com/odvcencio/foreman/pkg/priorityqueue"
	"github.com/odvcencio/foreman/pkg/state"
	"github.com/odvcencio/foreman/pkg/worker"
	"github.com/odvcencio/foreman/pkg/worktree"
)

// Orchestrator wires together the queue, worker pool, merge
// coordinator, and persisted state for a single run over a backlog.
type Orchestrator struct {
	cfg     *config.Config
	repoPath string
	runID   string
	logger  *logging.Logger

	issues     *issue.Store
	stateStore *state.Store
	wtMgr      *worktree.Manager
	lock       *gitlock.Lock
	mergeCoord *merge.Coordinator
	pool       *worker.Pool
	monitor    *ContextMonitor
	progress   *ProgressTracker
	trunk      string

	stMu sync.Mutex
	st   *state.State

	issuesByID map[string]*issue.Issue
}

// New constructs an Orchestrator and every component it owns.
func New(cfg *config.Config, repoPath, runID string, logger *logging.Logger) (*Orchestrator, error) {
	wtMgr, err := worktree.NewManager(repoPath, cfg.Parallel.WorktreeBase)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating worktree manager: %w", err)
	}
	trunk, err := wtMgr.DefaultBranch()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving trunk: %w", err)
	}

	lockCfg := gitlock.DefaultConfig()
	if cfg.Parallel.LockMaxBackoff > 0 {
		lockCfg.MaxBackoff = cfg.Parallel.LockMaxBackoff
	}
	if cfg.Parallel.LockMaxRetries > 0 {
		lockCfg.MaxRetries = cfg.Parallel.LockMaxRetries
	}
	lock := gitlock.New(lockCfg)

	mergeCoord, err := merge.New(merge.Config{
		IssuesBaseDir:           cfg.Sprint.IssuesBaseDir,
		MaxMergeRetries:         cfg.Parallel.MaxMergeRetries,
		CircuitBreakerThreshold: cfg.Parallel.CircuitBreakerThreshold,
		Cooldown:                time.Duration(cfg.Parallel.CooldownSeconds) * time.Second,
		BackupDir:               filepath.Join(repoPath, ".foreman", "merge-backups"),
	}, wtMgr, lock, trunk, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating merge coordinator: %w", err)
	}

	queue := priorityqueue.New()
	newRunner := func() *agentproc.Runner {
		return &agentproc.Runner{
			Invoker: agentproc.SubprocessInvoker{
				Command:        cfg.Parallel.AgentCommand,
				PermissionFlag: cfg.Parallel.AgentPermissionFlag,
				StreamOutput:   cfg.Automation.StreamOutput,
			},
		}
	}
	pool := worker.New(worker.Config{
		MaxWorkers:              cfg.Parallel.MaxWorkers,
		IssueTimeout:             cfg.Parallel.IssueTimeout,
		HandoffMaxContinuations:  cfg.Parallel.HandoffMaxContinuations,
		RequireCodeChanges:       cfg.Parallel.RequireCodeChanges,
		IssuesBaseDir:            cfg.Sprint.IssuesBaseDir,
		WorktreeAllowlist:        cfg.Parallel.WorktreeAllowlist,
	}, queue, wtMgr, lock, trunk, newRunner, logger)

	issuesBase := cfg.Sprint.IssuesBaseDir
	if !filepath.IsAbs(issuesBase) {
		issuesBase = filepath.Join(repoPath, issuesBase)
	}

	return &Orchestrator{
		cfg:        cfg,
		repoPath:   repoPath,
		runID:      runID,
		logger:     logger,
		issues:     issue.NewStore(issuesBase),
		stateStore: state.NewStore(statePath(repoPath, cfg.Automation.StateFile)),
		wtMgr:      wtMgr,
		lock:       lock,
		mergeCoord: mergeCoord,
		pool:       pool,
		monitor:    NewContextMonitor(20, 0.3, 10*time.Minute),
		trunk:      trunk,
	}, nil
}

func statePath(repoPath, configured string) string {
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(repoPath, configured)
}

// Summary is the end-of-run report: counts, failure reasons, warnings,
// interrupted issues.
type Summary struct {
	Completed     []string
	Failed        map[string]string
	InFlight      []string
	Warnings      []string
	Interrupted   bool
	StateFilePath string
	Duration      time.Duration
}

// Run executes the full orchestrator lifecycle: load/init state, scan
// and build waves, drain each wave's P0 then parallel sub-waves,
// checkpoint after every wave, run the sequential retry pass, clean
// up, and report a summary.
func (o *Orchestrator) Run(ctx context.Context, resume bool) (*Summary, error) {
	start := time.Now()

	shutdown := NewShutdownController(ctx, o.cfg.Parallel.ShutdownGracePeriod)
	shutdown.Install()
	defer shutdown.Stop()
	runCtx := shutdown.Context()

	if err := o.loadState(resume); err != nil {
		return nil, err
	}

	issues, err := o.issues.Scan()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: scanning issues: %w", err)
	}
	o.issuesByID = make(map[string]*issue.Issue, len(issues))
	for _, iss := range issues {
		o.issuesByID[iss.ID] = iss
	}

	o.mergeCoord.Start(runCtx)

	// Re-submit any worker results left pending-merge by a prior,
	// interrupted run before the dependency graph is built, so a
	// pending merge that now succeeds moves its issue to completed/
	// and is excluded from this run's waves rather than redispatched.
	o.resumePendingMerges(runCtx)

	completed, err := o.issues.CompletedIDs()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading completed issues: %w", err)
	}

	activeIssues, err := o.issues.Scan()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: rescanning issues: %w", err)
	}
	o.issuesByID = make(map[string]*issue.Issue, len(activeIssues))
	for _, iss := range activeIssues {
		o.issuesByID[iss.ID] = iss
	}

	graph, err := depgraph.Build(activeIssues, completed)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	waves := graph.Waves()

	o.progress = NewProgressTracker(len(activeIssues))

	var warnings []string

	var pausedForRisk *RiskAssessment

waveLoop:
	for waveIdx, wave := range waves {
		select {
		case <-shutdown.Requested():
			break waveLoop
		default:
		}

		if pausedForRisk != nil {
			warnings = append(warnings, fmt.Sprintf("dispatch paused after wave %d: context-degradation risk %s: %v", waveIdx, pausedForRisk.Level, pausedForRisk.Reasons))
			break waveLoop
		}

		o.progress.StartWave(fmt.Sprintf("wave %d", waveIdx+1), len(wave))
		tierCounts := make(map[int]int)
		for _, iss := range wave {
			tierCounts[iss.Priority]++
		}
		for tier := 0; tier <= 5; tier++ {
			metrics.QueueDepth.WithLabelValues(fmt.Sprintf("P%d", tier)).Set(float64(tierCounts[tier]))
		}

		rest := wave
		if o.cfg.Sprint.IncludeP0InWaves {
			var p0 []*issue.Issue
			p0, rest = splitByPriority(wave)
			for _, iss := range p0 {
				if o.shuttingDown(shutdown) {
					break waveLoop
				}
				if err := o.runGroup(runCtx, []*issue.Issue{iss}, 1); err != nil && runCtx.Err() != nil {
					break waveLoop
				}
			}
		}

		for _, sub := range depgraph.Partition(rest, o.cfg.Sprint.ContentionThreshold) {
			if o.shuttingDown(shutdown) {
				break waveLoop
			}
			if err := o.runGroup(runCtx, sub.Issues, o.cfg.Parallel.MaxWorkers); err != nil && runCtx.Err() != nil {
				break waveLoop
			}
		}

		o.progress.CompleteWave()
		if o.logger != nil {
			o.logger.Info(logging.CategoryOrchestrator, "wave.completed", RenderCompact(o.progress.Snapshot()), map[string]any{"wave": waveIdx + 1})
		}
		o.checkpoint()

		if assessment := o.monitor.Assess(); assessment.RequiresPause {
			a := assessment
			pausedForRisk = &a
			if o.logger != nil {
				o.logger.Warn(logging.CategoryOrchestrator, "context.degradation", "pausing dispatch for operator review", map[string]any{"level": assessment.Level.String()})
			}
		}
	}

	if !shutdown.Interrupted() {
		o.retryPass(runCtx)
	}

	o.mergeCoord.Shutdown(!shutdown.Interrupted(), o.cfg.Parallel.ShutdownGracePeriod)

	// Only sweep on a run that reached a terminal state for every
	// issue: an interrupted run may still have pending-merge worktrees
	// a future --resume needs intact.
	if !shutdown.Interrupted() {
		o.sweepStaleWorktrees(runCtx)
	}

	o.stMu.Lock()
	finalState := o.st
	o.stMu.Unlock()
	if err := o.stateStore.Save(finalState); err != nil {
		return nil, fmt.Errorf("orchestrator: persisting final state: %w", err)
	}

	return o.summarize(start, shutdown.Interrupted(), warnings), nil
}

func (o *Orchestrator) shuttingDown(s *ShutdownController) bool {
	select {
	case <-s.Requested():
		return true
	default:
		return false
	}
}

func (o *Orchestrator) loadState(resume bool) error {
	if resume {
		st, err := o.stateStore.Load()
		if err != nil {
			return fmt.Errorf("orchestrator: loading state: %w", err)
		}
		o.st = st
		return nil
	}
	o.st = state.New()
	return nil
}

// resumePendingMerges re-submits worker results that were persisted as
// pending-merge before a prior run was interrupted, so a --resume run
// integrates already-finished work instead of re-running the worker
// for it. Processed sequentially, same as retryPass.
func (o *Orchestrator) resumePendingMerges(ctx context.Context) {
	o.stMu.Lock()
	pending := append([]state.PendingMerge{}, o.st.PendingMerges...)
	o.stMu.Unlock()

	for _, pm := range pending {
		res := &worker.Result{
			IssueID:      pm.IssueID,
			Success:      true,
			Branch:       pm.Branch,
			WorktreePath: pm.WorktreePath,
			FilesChanged: pm.FilesChanged,
		}
		if o.logger != nil {
			o.logger.Info(logging.CategoryOrchestrator, "merge.resume", "re-submitting pending merge from prior run", map[string]any{"issue_id": pm.IssueID})
		}

		var mergeWG sync.WaitGroup
		o.handleResult(ctx, res, &mergeWG)
		mergeWG.Wait()
	}
}

func splitByPriority(wave []*issue.Issue) (p0, rest []*issue.Issue) {
	for _, iss := range wave {
		if iss.Priority == 0 {
			p0 = append(p0, iss)
		} else {
			rest = append(rest, iss)
		}
	}
	return p0, rest
}

// runGroup dispatches issues (bounded by maxParallel) through the
// worker pool, and for each finished result waits for its terminal
// disposition — a merge outcome, a move to completed/ for a CLOSE
// verdict, or a recorded failure — before returning. Called once per
// P0 issue (maxParallel=1) and once per contention-safe sub-wave, this
// gives both the strictly sequential P0 drain and the bounded-parallel
// sub-wave the same wave-boundary guarantee: no caller proceeds until
// every dispatched issue has reached a terminal state.
func (o *Orchestrator) runGroup(ctx context.Context, issues []*issue.Issue, maxParallel int) error {
	if len(issues) == 0 {
		return nil
	}

	o.stMu.Lock()
	for _, iss := range issues {
		o.st.MarkInProgress(iss.ID)
	}
	o.stMu.Unlock()

	var mergeWG sync.WaitGroup
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for i := 0; i < len(issues); i++ {
			select {
			case res, ok := <-o.pool.Results():
				if !ok {
					return
				}
				o.handleResult(ctx, res, &mergeWG)
			case <-ctx.Done():
				return
			}
		}
	}()

	err := o.pool.RunBatch(ctx, issues, maxParallel)
	<-drainDone
	mergeWG.Wait()
	return err
}

// handleResult applies a single worker.Result's terminal disposition:
// a failed issue is recorded under its failure reason, a CLOSE verdict
// is moved straight to completed/ with no merge, and everything else
// is handed to the merge coordinator asynchronously so the drain loop
// in runGroup can keep consuming results while merges are in flight.
func (o *Orchestrator) handleResult(ctx context.Context, res *worker.Result, mergeWG *sync.WaitGroup) {
	o.monitor.Record(res.Duration, res.FailureKind == worker.FailureVerdictNotReady && res.CloseReason == string(agentproc.VerdictUnknown))

	iss := o.issuesByID[res.IssueID]

	if !res.Success {
		o.recordTiming(res.IssueID, res.Duration)
		o.markFailed(res.IssueID, string(res.FailureKind))
		o.progress.RecordIssueDone(false)
		metrics.RecordIssueCompleted(string(res.FailureKind), res.Duration.Seconds())
		o.cleanupDangling(ctx, res)
		return
	}

	if res.ShouldClose {
		o.recordTiming(res.IssueID, res.Duration)
		if iss != nil {
			if err := o.issues.MoveToCompleted(iss); err != nil && o.logger != nil {
				o.logger.Warn(logging.CategoryOrchestrator, "issue.close_move_failed", err.Error(), map[string]any{"issue_id": res.IssueID})
			}
		}
		o.markCompleted(res.IssueID)
		o.progress.RecordIssueDone(true)
		metrics.RecordIssueCompleted("closed", res.Duration.Seconds())
		o.cleanupDangling(ctx, res)
		return
	}

	o.markPendingMerge(res)

	resultCh, err := o.mergeCoord.Enqueue(res)
	if err != nil {
		o.recordTiming(res.IssueID, res.Duration)
		o.markFailed(res.IssueID, "merge_cancelled")
		o.progress.RecordIssueDone(false)
		metrics.RecordIssueCompleted("merge_cancelled", res.Duration.Seconds())
		o.cleanupDangling(ctx, res)
		return
	}

	mergeWG.Add(1)
	go func() {
		defer mergeWG.Done()
		outcome := <-resultCh
		o.applyMergeOutcome(ctx, iss, res, outcome)
	}()
}

func (o *Orchestrator) applyMergeOutcome(ctx context.Context, iss *issue.Issue, res *worker.Result, outcome merge.Outcome) {
	o.recordTiming(res.IssueID, res.Duration)
	if outcome.Success {
		if iss != nil {
			if err := o.issues.MoveToCompleted(iss); err != nil && o.logger != nil {
				o.logger.Warn(logging.CategoryOrchestrator, "issue.move_failed", err.Error(), map[string]any{"issue_id": res.IssueID})
			}
		}
		o.markCompleted(res.IssueID)
		o.progress.RecordIssueDone(true)
		metrics.RecordIssueCompleted("success", res.Duration.Seconds())
		if len(outcome.LeakWarnings) > 0 && o.logger != nil {
			o.logger.Warn(logging.CategoryOrchestrator, "merge.leak_warning", "files leaked outside the worktree", map[string]any{
				"issue_id": res.IssueID, "files": outcome.LeakWarnings,
			})
		}
		return
	}

	o.markFailed(res.IssueID, string(outcome.FailureKind))
	o.progress.RecordIssueDone(false)
	metrics.RecordIssueCompleted(string(outcome.FailureKind), res.Duration.Seconds())
	o.cleanupDangling(ctx, res)
}

// cleanupDangling removes a worktree/branch left behind by an issue
// that never reached a successful merge: failed or closed before
// reaching the merge queue, cancelled before the coordinator picked it
// up, or failed during the merge protocol itself. force-deletes the
// branch since none of these paths land commits in trunk. A no-op if
// the merge coordinator already removed it.
func (o *Orchestrator) cleanupDangling(ctx context.Context, res *worker.Result) {
	if res.WorktreePath == "" {
		return
	}
	if err := o.wtMgr.Remove(ctx, res.Branch, true, true); err != nil && o.logger != nil {
		o.logger.Warn(logging.CategoryOrchestrator, "worktree.cleanup_failed", err.Error(), map[string]any{"issue_id": res.IssueID, "branch": res.Branch})
	}
}

// sweepStaleWorktrees removes every ephemeral issue worktree and branch
// still on disk once the run has reached a terminal state for every
// issue. Per-result cleanup already handles the common paths; anything
// still present here is left over from a cleanup that itself failed or
// from a crash-recovered run whose prior cleanup never ran.
func (o *Orchestrator) sweepStaleWorktrees(ctx context.Context) {
	entries, err := o.wtMgr.List(ctx)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn(logging.CategoryOrchestrator, "worktree.sweep_list_failed", err.Error(), nil)
		}
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Branch, "parallel/") {
			continue
		}
		if err := o.wtMgr.Remove(ctx, e.Branch, true, true); err != nil && o.logger != nil {
			o.logger.Warn(logging.CategoryOrchestrator, "worktree.sweep_failed", err.Error(), map[string]any{"branch": e.Branch})
		}
	}
}

func (o *Orchestrator) recordTiming(issueID string, d time.Duration) {
	o.stMu.Lock()
	defer o.stMu.Unlock()
	o.st.RecordTiming(issueID, "implement", d)
}

func (o *Orchestrator) markCompleted(issueID string) {
	o.stMu.Lock()
	defer o.stMu.Unlock()
	o.st.MarkCompleted(issueID)
}

func (o *Orchestrator) markFailed(issueID, reason string) {
	o.stMu.Lock()
	defer o.stMu.Unlock()
	o.st.MarkFailed(issueID, reason)
}

func (o *Orchestrator) markPendingMerge(res *worker.Result) {
	o.stMu.Lock()
	defer o.stMu.Unlock()
	o.st.MarkPendingMerge(state.PendingMerge{
		IssueID:      res.IssueID,
		Branch:       res.Branch,
		WorktreePath: res.WorktreePath,
		FilesChanged: res.FilesChanged,
		RecordedAt:   time.Now().UTC(),
	})
}

func (o *Orchestrator) checkpoint() {
	o.stMu.Lock()
	st := o.st
	o.stMu.Unlock()
	if err := o.stateStore.Save(st); err != nil && o.logger != nil {
		o.logger.Error(logging.CategoryOrchestrator, "state.checkpoint_failed", err.Error(), nil)
	}
}

// retryPass attempts every issue left in the failed map under
// merge_cancelled or conflict_unresolvable one more time, sequentially
// and without parallelism.
func (o *Orchestrator) retryPass(ctx context.Context) {
	o.stMu.Lock()
	var candidates []string
	for id, reason := range o.st.FailedIssues {
		if reason == string(merge.FailureMergeCancelled) || reason == string(merge.FailureConflictUnresolvable) {
			candidates = append(candidates, id)
		}
	}
	o.stMu.Unlock()
	sort.Strings(candidates)

	for _, id := range candidates {
		iss, ok := o.issuesByID[id]
		if !ok {
			continue
		}
		if o.logger != nil {
			o.logger.Info(logging.CategoryOrchestrator, "retry.attempt", "retrying previously failed issue", map[string]any{"issue_id": id})
		}
		_ = o.runGroup(ctx, []*issue.Issue{iss}, 1)
	}
}

func (o *Orchestrator) summarize(start time.Time, interrupted bool, warnings []string) *Summary {
	o.stMu.Lock()
	defer o.stMu.Unlock()

	completed := append([]string{}, o.st.CompletedIssues...)
	failed := make(map[string]string, len(o.st.FailedIssues))
	for k, v := range o.st.FailedIssues {
		failed[k] = v
	}
	inFlight := make([]string, 0, len(o.st.InProgressIssues))
	inFlight = append(inFlight, o.st.InProgressIssues...)
	for _, pm := range o.st.PendingMerges {
		inFlight = append(inFlight, pm.IssueID)
	}

	return &Summary{
		Completed:     completed,
		Failed:        failed,
		InFlight:      inFlight,
		Warnings:      warnings,
		Interrupted:   interrupted,
		StateFilePath: o.stateStore.Path(),
		Duration:      time.Since(start),
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/foreman/pkg/config"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/orchestrator"
)

var runLoadConfigFn = config.Load

// orchestratorRunner captures the subset of orchestrator.Orchestrator
// the CLI needs, so tests can stub a canned Run result without driving
// a real git repository and agent subprocess end to end.
type orchestratorRunner interface {
	Run(ctx context.Context, resume bool) (*orchestrator.Summary, error)
}

var runNewOrchestratorFn = func(cfg *config.Config, repoPath, runID string, logger *logging.Logger) (orchestratorRunner, error) {
	return orchestrator.New(cfg, repoPath, runID, logger)
}

func runRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a foreman config file (defaults apply if unset)")
	repoPath := fs.String("repo", ".", "path to the git repository to process")
	resume := fs.Bool("resume", false, "resume from the last persisted checkpoint instead of starting fresh")
	runID := fs.String("run-id", "", "identifier for this run's logs and state (defaults to a generated ULID)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := runLoadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, 2)
	}

	repo, err := filepath.Abs(*repoPath)
	if err != nil {
		return withExitCode(fmt.Errorf("resolving repo path: %w", err), 2)
	}

	id := *runID
	if id == "" {
		id = ulid.Make().String()
	}

	logger, err := logging.NewLogger(filepath.Join(repo, ".foreman", "logs"), id)
	if err != nil {
		return withExitCode(fmt.Errorf("creating logger: %w", err), 2)
	}

	stopMetrics := startMetricsServer(cfg.Automation.MetricsAddr)
	defer stopMetrics()

	orch, err := runNewOrchestratorFn(cfg, repo, id, logger)
	if err != nil {
		return withExitCode(fmt.Errorf("constructing orchestrator: %w", err), 2)
	}

	summary, err := orch.Run(context.Background(), *resume)
	if err != nil {
		return withExitCode(err, 1)
	}

	printSummary(summary)

	if summary.Interrupted {
		return withExitCode(fmt.Errorf("run interrupted"), interruptedExitCode)
	}
	if len(summary.Failed) > 0 {
		return withExitCode(fmt.Errorf("%d issue(s) failed", len(summary.Failed)), 1)
	}
	return nil
}

// startMetricsServer exposes /metrics via promhttp when addr is
// non-empty; batch/CI runs leave it unset and no port is opened. The
// returned func stops the server; it is always safe to call even if
// no server was started.
func startMetricsServer(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "foreman: metrics server: %v\n", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printSummary renders the end-of-run report: counts of
// completed/failed (by reason)/in-flight, the state file location,
// and any warnings.
func printSummary(s *orchestrator.Summary) {
	fmt.Printf("\nrun finished in %s\n", s.Duration.Round(time.Second))
	fmt.Printf("  completed: %d\n", len(s.Completed))

	if len(s.Failed) > 0 {
		ids := make([]string, 0, len(s.Failed))
		for id := range s.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Printf("  failed: %d\n", len(s.Failed))
		for _, id := range ids {
			fmt.Printf("    %s: %s\n", id, s.Failed[id])
		}
	}

	if len(s.InFlight) > 0 {
		fmt.Printf("  in-flight at exit: %v\n", s.InFlight)
	}

	for _, w := range s.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}

	fmt.Printf("  state file: %s\n", s.StateFilePath)
	if s.Interrupted {
		fmt.Println("  run was interrupted")
	}
}

package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/foreman/pkg/config"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/orchestrator"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = old
	out, _ := io.ReadAll(r)
	return string(out)
}

type fakeOrchestrator struct {
	summary *orchestrator.Summary
	err     error
}

func (f *fakeOrchestrator) Run(ctx context.Context, resume bool) (*orchestrator.Summary, error) {
	return f.summary, f.err
}

func stubOrchestrator(t *testing.T, summary *orchestrator.Summary, newErr error) {
	t.Helper()
	oldLoad := runLoadConfigFn
	oldNew := runNewOrchestratorFn
	t.Cleanup(func() {
		runLoadConfigFn = oldLoad
		runNewOrchestratorFn = oldNew
	})

	runLoadConfigFn = func(string) (*config.Config, error) {
		return config.DefaultConfig(), nil
	}
	runNewOrchestratorFn = func(cfg *config.Config, repoPath, runID string, logger *logging.Logger) (orchestratorRunner, error) {
		if newErr != nil {
			return nil, newErr
		}
		return &fakeOrchestrator{summary: summary}, nil
	}
}

func TestRunRunCommand_SuccessPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	stubOrchestrator(t, &orchestrator.Summary{
		Completed:     []string{"BUG-001"},
		Failed:        map[string]string{},
		StateFilePath: filepath.Join(dir, ".foreman", "state.json"),
	}, nil)

	out := captureStdout(t, func() {
		if err := runRunCommand([]string{"--repo", dir}); err != nil {
			t.Fatalf("runRunCommand: %v", err)
		}
	})

	if !strings.Contains(out, "completed: 1") {
		t.Errorf("summary output = %q, want it to mention completed count", out)
	}
}

func TestRunRunCommand_FailedIssuesNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	stubOrchestrator(t, &orchestrator.Summary{
		Completed: []string{},
		Failed:    map[string]string{"BUG-002": "conflict_unresolvable"},
	}, nil)

	err := runRunCommand([]string{"--repo", dir})
	if err == nil {
		t.Fatal("expected an error when issues failed")
	}
	if got := exitCodeForError(err); got != 1 {
		t.Errorf("exit code = %d, want 1", got)
	}
}

func TestRunRunCommand_InterruptedDistinctExitCode(t *testing.T) {
	dir := t.TempDir()
	stubOrchestrator(t, &orchestrator.Summary{
		Completed:   []string{},
		Failed:      map[string]string{},
		Interrupted: true,
	}, nil)

	err := runRunCommand([]string{"--repo", dir})
	if err == nil {
		t.Fatal("expected an error when the run was interrupted")
	}
	if got := exitCodeForError(err); got != interruptedExitCode {
		t.Errorf("exit code = %d, want %d", got, interruptedExitCode)
	}
}

func TestStartMetricsServer_EmptyAddrIsNoop(t *testing.T) {
	stop := startMetricsServer("")
	stop() // must not panic
}

func TestPrintSummary_SortsFailedByID(t *testing.T) {
	out := captureStdout(t, func() {
		printSummary(&orchestrator.Summary{
			Completed: []string{"A"},
			Failed:    map[string]string{"Z-1": "timeout", "A-1": "agent_nonzero_exit"},
		})
	})

	aIdx := strings.Index(out, "A-1")
	zIdx := strings.Index(out, "Z-1")
	if aIdx == -1 || zIdx == -1 || aIdx > zIdx {
		t.Errorf("expected failed issues sorted by ID, got %q", out)
	}
}

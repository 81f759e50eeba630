package agentproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Invoker runs a single agent subprocess invocation. Production code
// uses SubprocessInvoker; tests substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, workdir, promptPath string) (stdout, stderr string, err error)
}

// SubprocessInvoker runs the agent as an external process using a
// command template plus a permission-waiving flag, invoked with
// argument lists, never a shell.
type SubprocessInvoker struct {
	Command        []string
	PermissionFlag string

	// StreamOutput additionally tees each invocation's stdout/stderr to
	// the process's own stdout/stderr as it runs, so an operator
	// watching the run can see the agent work live instead of only at
	// the end-of-run report.
	StreamOutput bool
}

func (s SubprocessInvoker) Invoke(ctx context.Context, workdir, promptPath string) (string, string, error) {
	if len(s.Command) == 0 {
		return "", "", fmt.Errorf("agentproc: no agent command configured")
	}

	args := append([]string{}, s.Command[1:]...)
	args = append(args, promptPath)
	if s.PermissionFlag != "" {
		args = append(args, s.PermissionFlag)
	}

	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	if s.StreamOutput {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ReadinessResult is the outcome of the readiness pass.
type ReadinessResult struct {
	Verdict      Verdict
	WasCorrected bool
	ShouldClose  bool
	CloseReason  string
	RawOutput    string
}

// ImplementationResult is the outcome of the implementation pass,
// including any CONTEXT_HANDOFF continuations, which are transparent
// at this boundary: callers only see the aggregate duration and
// terminal outcome.
type ImplementationResult struct {
	Success       bool
	Duration      time.Duration
	Stdout        string
	Stderr        string
	Continuations int
	Err           error
}

// Runner drives the two-pass agent invocation protocol.
type Runner struct {
	Invoker                 Invoker
	Timeout                 time.Duration
	HandoffMaxContinuations int
}

// RunReadiness invokes the agent once with promptPath and parses its
// verdict.
func (r *Runner) RunReadiness(ctx context.Context, workdir, promptPath string) (*ReadinessResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	stdout, _, err := r.Invoker.Invoke(ctx, workdir, promptPath)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("agentproc: readiness pass: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("agentproc: readiness pass: %w", err)
	}

	verdict := ParseVerdict(stdout)
	return &ReadinessResult{
		Verdict:      verdict,
		WasCorrected: verdict == VerdictCorrected,
		ShouldClose:  verdict == VerdictClose,
		CloseReason:  CloseReason(stdout),
		RawOutput:    stdout,
	}, nil
}

// RunImplementation invokes the agent to perform the implementation
// pass, following CONTEXT_HANDOFF continuations up to
// HandoffMaxContinuations. The aggregate duration across all
// continuations is reported as a single result.
func (r *Runner) RunImplementation(ctx context.Context, workdir, promptPath string) *ImplementationResult {
	start := time.Now()
	result := &ImplementationResult{}

	currentPrompt := promptPath
	for {
		callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		stdout, stderr, err := r.Invoker.Invoke(callCtx, workdir, currentPrompt)
		cancel()

		result.Stdout += stdout
		result.Stderr += stderr

		if err != nil {
			result.Err = fmt.Errorf("agentproc: implementation pass: %w", err)
			result.Duration = time.Since(start)
			return result
		}

		handoffPath, found := ScanHandoff(stdout)
		if !found {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}

		if result.Continuations >= r.HandoffMaxContinuations {
			result.Err = fmt.Errorf("agentproc: handoff cap exceeded (%d continuations)", result.Continuations)
			result.Duration = time.Since(start)
			return result
		}

		result.Continuations++
		currentPrompt = handoffPath
	}
}

// WritePrompt persists prompt text to a file under dir for handing to
// the subprocess invoker, returning the file's path.
func WritePrompt(dir, name, prompt string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

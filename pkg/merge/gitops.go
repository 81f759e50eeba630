package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runGit runs a git subcommand in dir with argument lists, never a
// shell, returning combined output for error reporting.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func headHash(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("merge: rev-parse HEAD: %w\n%s", err, out)
	}
	return strings.TrimSpace(out), nil
}

func checkoutTrunk(ctx context.Context, dir, trunk string) error {
	if out, err := runGit(ctx, dir, "checkout", trunk); err != nil {
		return fmt.Errorf("merge: checkout %s: %w\n%s", trunk, err, out)
	}
	return nil
}

// rebaseInProgress detects a half-completed rebase via the sentinel
// directories git leaves behind.
func rebaseInProgress(repoPath string) bool {
	gitDir := filepath.Join(repoPath, ".git")
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true
		}
	}
	return false
}

func abortRebase(ctx context.Context, dir string) error {
	if out, err := runGit(ctx, dir, "rebase", "--abort"); err != nil {
		return fmt.Errorf("merge: aborting rebase: %w\n%s", err, out)
	}
	return nil
}

// indexCorruptSignature is the distinctive error text git emits for a
// corrupted index file.
const indexCorruptSignature = "index file corrupt"

func isIndexCorrupt(output string) bool {
	return strings.Contains(strings.ToLower(output), indexCorruptSignature)
}

// repairIndex removes the corrupted index and rebuilds it from HEAD.
func repairIndex(ctx context.Context, dir string) error {
	indexPath := filepath.Join(dir, ".git", "index")
	if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("merge: removing corrupt index: %w", err)
	}
	if out, err := runGit(ctx, dir, "reset", "--mixed", "HEAD"); err != nil {
		return fmt.Errorf("merge: rebuilding index: %w\n%s", err, out)
	}
	return nil
}

// hasUpstream reports whether the current branch in dir tracks a
// remote. Many foreman deployments operate entirely on a local
// repository with worker worktrees as the only other branches, in
// which case there is nothing to pull and the trunk is already
// current by definition.
func hasUpstream(ctx context.Context, dir string) bool {
	_, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	return err == nil
}

// pullRebase pulls via rebase; returns output for conflict/error inspection.
func pullRebase(ctx context.Context, dir string) (string, error) {
	if !hasUpstream(ctx, dir) {
		return "", nil
	}
	return runGit(ctx, dir, "pull", "--rebase")
}

// pullMerge pulls via a regular merge, used when a commit is known
// from the problematic-commit cache to repeatedly conflict under rebase.
func pullMerge(ctx context.Context, dir string) (string, error) {
	if !hasUpstream(ctx, dir) {
		return "", nil
	}
	return runGit(ctx, dir, "pull", "--no-rebase")
}

// stashPush stashes tracked dirty changes not auto-committed, returning
// true if anything was stashed.
func stashPush(ctx context.Context, dir, message string) (bool, error) {
	out, err := runGit(ctx, dir, "stash", "push", "-m", message)
	if err != nil {
		return false, fmt.Errorf("merge: stash push: %w\n%s", err, out)
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

func stashPop(ctx context.Context, dir string) error {
	if out, err := runGit(ctx, dir, "stash", "pop"); err != nil {
		return fmt.Errorf("merge: stash pop: %w\n%s", err, out)
	}
	return nil
}

// autoCommit commits the given paths with a lifecycle-bookkeeping
// message. paths must already be tracked files.
func autoCommit(ctx context.Context, dir, message string, paths []string) error {
	args := append([]string{"add"}, paths...)
	if out, err := runGit(ctx, dir, args...); err != nil {
		return fmt.Errorf("merge: staging lifecycle files: %w\n%s", err, out)
	}
	if out, err := runGit(ctx, dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("merge: committing lifecycle files: %w\n%s", err, out)
	}
	return nil
}

// mergeBranch merges branch into the current (trunk) branch. A
// non-nil error whose output contains "CONFLICT" or "Automatic merge
// failed" signals a recoverable conflict rather than a hard failure.
func mergeBranch(ctx context.Context, dir, branch, message string) (output string, conflict bool, err error) {
	output, err = runGit(ctx, dir, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return output, false, nil
	}
	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "Automatic merge failed") {
		return output, true, nil
	}
	return output, false, fmt.Errorf("merge: merging %s: %w\n%s", branch, err, output)
}

func abortMerge(ctx context.Context, dir string) {
	_, _ = runGit(ctx, dir, "merge", "--abort")
}

// conflictFiles lists the paths git reports as unmerged in dir, via
// `git diff --name-only --diff-filter=U`.
func conflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("merge: listing conflict files: %w\n%s", err, out)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// rebaseBranchOntoTrunk rebases the worktree's branch onto the current
// tip of trunk, run from within the worktree (not the main tree).
func rebaseBranchOntoTrunk(ctx context.Context, worktreePath, trunk string) (string, bool, error) {
	out, err := runGit(ctx, worktreePath, "rebase", trunk)
	if err == nil {
		return out, false, nil
	}
	if strings.Contains(out, "CONFLICT") {
		_, _ = runGit(ctx, worktreePath, "rebase", "--abort")
		return out, true, nil
	}
	return out, false, fmt.Errorf("merge: rebasing onto %s: %w\n%s", trunk, err, out)
}

func splitLines(output []byte) []string {
	var out []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func deleteBranch(ctx context.Context, dir, branch string) error {
	if out, err := runGit(ctx, dir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("merge: deleting branch %s: %w\n%s", branch, err, out)
	}
	return nil
}

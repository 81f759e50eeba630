package worker

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
)

// ChangedFiles returns the files the worktree's HEAD has touched
// relative to trunkRef, using the VCS's diff mechanism. Paths are
// repository-relative.
func ChangedFiles(ctx context.Context, worktreePath, trunkRef string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", trunkRef, "HEAD")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// DirtyFiles returns the paths `git status --porcelain` reports in dir:
// tracked files with uncommitted changes plus untracked, non-ignored files.
func DirtyFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
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

// CanonicalPath resolves path to an absolute, Clean, best-effort
// symlink-resolved form. This is the single canonicalization used for
// leak detection; it is applied where the worker reports leaks, and the
// merge coordinator passes those paths through as warnings unchanged.
func CanonicalPath(base, rel string) string {
	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, rel)
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// DetectLeaks compares files dirtied in the main repository working
// tree (mainDirty) against completedRoot, the canonical completed/
// directory, returning files that represent a genuine leak — changes
// the agent made outside its assigned worktree. mainDirty entries
// canonicalize to files under completedRoot, not completedRoot
// itself, so containment is a prefix test, not an exact-path match.
func DetectLeaks(repoRoot string, mainDirty []string, completedRoot string) []string {
	var leaks []string
	for _, rel := range mainDirty {
		canon := CanonicalPath(repoRoot, rel)
		if withinRoot(canon, completedRoot) {
			continue
		}
		leaks = append(leaks, canon)
	}
	return leaks
}

// withinRoot reports whether path is root itself or nested under it.
func withinRoot(path, root string) bool {
	if root == "" {
		return false
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// RequiresCodeChange reports whether files includes at least one path
// outside the issues tree and outside the completed tree.
func RequiresCodeChange(files []string, issuesBaseDir string) bool {
	base := filepath.Clean(issuesBaseDir)
	for _, f := range files {
		clean := filepath.Clean(f)
		if clean == base || strings.HasPrefix(clean, base+string(filepath.Separator)) {
			continue
		}
		if strings.Contains(clean, "completed"+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

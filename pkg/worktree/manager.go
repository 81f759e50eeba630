// Package worktree manages the isolated, per-issue git worktrees that
// foreman's worker pool runs agents inside. All mutating operations
// are subprocess invocations with argument lists, never a shell;
// go-git is used only to read the repository's default branch.
package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Manager creates and tears down worktrees under a configured root.
type Manager struct {
	repoPath     string
	worktreeRoot string
}

// Worktree is a created, isolated working copy on an ephemeral branch.
type Worktree struct {
	Path   string
	Branch string
}

// Info describes an entry from `git worktree list --porcelain`.
type Info struct {
	Path   string
	Branch string
	Commit string
}

// NewManager validates repoPath is a git repository and returns a
// Manager rooted at worktreeRoot (or repoPath/.foreman/worktrees if
// empty).
func NewManager(repoPath, worktreeRoot string) (*Manager, error) {
	if !isGitRepo(repoPath) {
		return nil, fmt.Errorf("worktree: not a git repository: %s", repoPath)
	}

	worktreeRoot = strings.TrimSpace(worktreeRoot)
	if worktreeRoot == "" {
		worktreeRoot = filepath.Join(repoPath, ".foreman", "worktrees")
	} else {
		worktreeRoot = expandHomeDir(worktreeRoot)
		if !filepath.IsAbs(worktreeRoot) {
			worktreeRoot = filepath.Join(repoPath, worktreeRoot)
		}
	}

	return &Manager{repoPath: repoPath, worktreeRoot: filepath.Clean(worktreeRoot)}, nil
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func isGitRepo(path string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = path
	return cmd.Run() == nil
}

// DefaultBranch resolves the repository's trunk dynamically as the
// branch the local clone's HEAD points at, read via go-git (read-only).
// The origin remote's HEAD is not consulted, and a detached HEAD is an
// error — mutating operations never go through go-git, only this lookup does.
func (m *Manager) DefaultBranch() (string, error) {
	repo, err := git.PlainOpen(m.repoPath)
	if err != nil {
		return "", fmt.Errorf("worktree: opening repo for trunk detection: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("worktree: resolving HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", fmt.Errorf("worktree: HEAD is not a branch (detached)")
}

func (m *Manager) repoName() string {
	cmd := exec.Command("git", "config", "--get", "remote.origin.url")
	cmd.Dir = m.repoPath
	if output, err := cmd.Output(); err == nil {
		url := strings.TrimSpace(string(output))
		parts := strings.Split(url, "/")
		if len(parts) > 0 {
			name := strings.TrimSuffix(parts[len(parts)-1], ".git")
			if name != "" {
				return name
			}
		}
	}
	return filepath.Base(m.repoPath)
}

func (m *Manager) pathFor(branch string) string {
	return filepath.Join(m.worktreeRoot, m.repoName(), branch, "source")
}

// Create derives the worktree path for branch and creates it fresh
// from trunkRef via `git worktree add -b <branch> <path> <trunkRef>`.
func (m *Manager) Create(ctx context.Context, branch, trunkRef string) (*Worktree, error) {
	path := m.pathFor(branch)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree: path already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: creating parent dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, trunkRef)
	cmd.Dir = m.repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("worktree: creating worktree: %w\noutput: %s", err, output)
	}

	return &Worktree{Path: path, Branch: branch}, nil
}

// CopyAllowlisted copies the configured allow-list of git-ignored files
// (e.g. .env, per-user settings) from the main repository into wt.
// Directories in the list are skipped with a warning rather than
// copied recursively — the allow-list is deliberately flat.
func (m *Manager) CopyAllowlisted(wt *Worktree, allowlist []string) (warnings []string) {
	for _, rel := range allowlist {
		src := filepath.Join(m.repoPath, rel)
		info, err := os.Stat(src)
		if err != nil {
			continue // not present in main tree; nothing to copy
		}
		if info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("worktree: skipping directory in allow-list: %s", rel))
			continue
		}

		dest := filepath.Join(wt.Path, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			warnings = append(warnings, fmt.Sprintf("worktree: creating parent for %s: %v", rel, err))
			continue
		}
		if err := copyFile(src, dest, info.Mode()); err != nil {
			warnings = append(warnings, fmt.Sprintf("worktree: copying %s: %v", rel, err))
		}
	}
	return warnings
}

func copyFile(src, dest string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, mode)
}

// List returns every worktree known to the repository.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoPath
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("worktree: listing: %w", err)
	}
	return parseWorktreeList(output), nil
}

func parseWorktreeList(output []byte) []Info {
	var worktrees []Info
	scanner := bufio.NewScanner(strings.NewReader(string(output)))

	var current Info
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}
		switch parts[0] {
		case "worktree":
			current.Path = parts[1]
		case "HEAD":
			current.Commit = parts[1]
		case "branch":
			current.Branch = strings.TrimPrefix(parts[1], "refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// Remove removes the worktree for branch and, if deleteBranch is set,
// deletes the branch itself. force selects "git branch -D" over the
// safe "-d": the caller must set force for a branch that may not be
// merged into trunk (a failed or cancelled merge's ephemeral branch),
// since "-d" refuses those and would otherwise leave it dangling.
// A branch with no worktree on disk is treated as already removed,
// not an error — cleanup paths in the merge coordinator and the
// orchestrator both call Remove on the same result, and the second
// call should be a harmless no-op.
func (m *Manager) Remove(ctx context.Context, branch string, deleteBranch, force bool) error {
	path := m.pathFor(branch)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", path)
	cmd.Dir = m.repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		cmd = exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
		cmd.Dir = m.repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("worktree: removing: %w\noutput: %s", err, output)
		}
	}

	if deleteBranch {
		deleteFlag := "-d"
		if force {
			deleteFlag = "-D"
		}
		cmd = exec.CommandContext(ctx, "git", "branch", deleteFlag, branch)
		cmd.Dir = m.repoPath
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("worktree: removed but branch %s not deleted (not merged)", branch)
		}
	}

	return nil
}

// RepoPath returns the main repository path.
func (m *Manager) RepoPath() string { return m.repoPath }

// Root returns the worktree root directory.
func (m *Manager) Root() string { return m.worktreeRoot }

package issue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// categoryDirs are the category subdirectories scanned under the base
// issues directory, in a fixed order so scans are deterministic.
var categoryDirs = []Category{CategoryBugs, CategoryFeatures, CategoryEnhancements}

// Store scans and mutates the on-disk issue backlog rooted at BaseDir.
type Store struct {
	BaseDir string
}

// NewStore returns a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// completedDir returns the sibling completed/ directory for a category.
func (s *Store) completedDir(cat Category) string {
	return filepath.Join(s.BaseDir, string(cat), "completed")
}

// Scan reads every active (non-completed) issue file under BaseDir,
// parses its filename and body, and rejects duplicate IDs across the
// entire issues tree, including the completed subtree.
func (s *Store) Scan() ([]*Issue, error) {
	seenIDs := make(map[string]string) // id -> path, across active + completed

	var issues []*Issue
	for _, cat := range categoryDirs {
		dir := filepath.Join(s.BaseDir, string(cat))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("issue: reading %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			priority, id, slug, err := ParseFilename(name)
			if err != nil {
				continue // not an issue file; ignore (e.g. README.md)
			}

			path := filepath.Join(dir, name)
			if prior, dup := seenIDs[id]; dup {
				return nil, fmt.Errorf("issue: duplicate issue ID %q at %s and %s", id, prior, path)
			}
			seenIDs[id] = path

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("issue: reading %s: %w", path, err)
			}

			blockers, fileHints, modType := ParseBody(data)

			issues = append(issues, &Issue{
				ID:               id,
				Category:         cat,
				Priority:         priority,
				Slug:             slug,
				Title:            titleFromBody(data, slug),
				Path:             path,
				Blockers:         blockers,
				FileHints:        fileHints,
				ModificationType: modType,
			})
		}

		// Completed issues only contribute to the duplicate-ID check;
		// they are not returned as active work.
		if err := s.scanCompletedIDs(cat, seenIDs); err != nil {
			return nil, err
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].ID < issues[j].ID
	})

	return issues, nil
}

func (s *Store) scanCompletedIDs(cat Category, seenIDs map[string]string) error {
	dir := s.completedDir(cat)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("issue: reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		_, id, _, err := ParseFilename(entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if prior, dup := seenIDs[id]; dup {
			return fmt.Errorf("issue: duplicate issue ID %q at %s and %s", id, prior, path)
		}
		seenIDs[id] = path
	}
	return nil
}

// CompletedIDs returns the set of issue IDs already present under any
// category's completed/ subdirectory.
func (s *Store) CompletedIDs() (map[string]bool, error) {
	completed := make(map[string]bool)
	for _, cat := range categoryDirs {
		dir := s.completedDir(cat)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("issue: reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			_, id, _, err := ParseFilename(entry.Name())
			if err != nil {
				continue
			}
			completed[id] = true
		}
	}
	return completed, nil
}

// MoveToCompleted relocates an issue's file into its category's
// completed/ subdirectory. It is the only mutation an Issue undergoes.
func (s *Store) MoveToCompleted(iss *Issue) error {
	dir := s.completedDir(iss.Category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("issue: creating %s: %w", dir, err)
	}
	dest := filepath.Join(dir, filepath.Base(iss.Path))
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("issue: %s already exists at completed destination %s", iss.ID, dest)
	}
	if err := os.Rename(iss.Path, dest); err != nil {
		return fmt.Errorf("issue: moving %s to %s: %w", iss.Path, dest, err)
	}
	iss.Path = dest
	return nil
}

func titleFromBody(data []byte, fallback string) string {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return strings.ReplaceAll(fallback, "-", " ")
}

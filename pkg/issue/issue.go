// Package issue loads and parses foreman's backlog of issue files:
// priority-tagged markdown documents living under category
// subdirectories, with a completed/ sibling holding finished work.
package issue

import (
	"fmt"
	"regexp"
)

// Category is one of the three backlog buckets.
type Category string

const (
	CategoryBugs         Category = "bugs"
	CategoryFeatures     Category = "features"
	CategoryEnhancements Category = "enhancements"
)

// ModificationType classifies an issue's body for conflict scoring.
type ModificationType string

const (
	ModStructural     ModificationType = "structural"
	ModInfrastructure ModificationType = "infrastructure"
	ModEnhancement    ModificationType = "enhancement"
	ModUnknown        ModificationType = "unknown"
)

// modTypeRank orders modification types for tie-breaking conflicting
// issues that share a priority tier (structural first).
var modTypeRank = map[ModificationType]int{
	ModStructural:     0,
	ModInfrastructure: 1,
	ModEnhancement:    2,
	ModUnknown:        3,
}

// Rank returns the tie-break ordering position of m (lower sorts first).
func (m ModificationType) Rank() int {
	if r, ok := modTypeRank[m]; ok {
		return r
	}
	return modTypeRank[ModUnknown]
}

// Issue is an immutable backlog work item. The only mutation over its
// lifetime is relocation to the completed/ directory after integration.
type Issue struct {
	ID       string
	Category Category
	Priority int // 0 (P0, highest) .. 5 (P5, lowest)
	Slug     string
	Title    string
	Path     string

	Blockers         []string
	FileHints        []string
	ModificationType ModificationType
}

// filenamePattern matches "P2-BUG-017-short-slug.md".
var filenamePattern = regexp.MustCompile(`^P([0-5])-(BUG|FEAT|ENH)-(\d{3,})-(.+)\.md$`)

var prefixToKind = map[string]string{
	"BUG":  "BUG",
	"FEAT": "FEAT",
	"ENH":  "ENH",
}

// ParseFilename extracts priority tier, issue ID, and slug from an
// issue filename. It does not read file contents.
func ParseFilename(name string) (priority int, id string, slug string, err error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", "", fmt.Errorf("issue: filename %q does not match P[0-5]-(BUG|FEAT|ENH)-NNN-slug.md", name)
	}
	kind, ok := prefixToKind[m[2]]
	if !ok {
		return 0, "", "", fmt.Errorf("issue: unknown kind prefix %q in %q", m[2], name)
	}
	priority = int(m[1][0] - '0')
	id = fmt.Sprintf("%s-%s", kind, m[3])
	slug = m[4]
	return priority, id, slug, nil
}

// BranchName derives the deterministic ephemeral branch name for an
// issue: parallel/<issue-id>-<slug>.
func (i *Issue) BranchName() string {
	return fmt.Sprintf("parallel/%s-%s", i.ID, i.Slug)
}

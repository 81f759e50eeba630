package depgraph

import (
	"sort"

	"github.com/odvcencio/foreman/pkg/issue"
)

// ConflictThreshold is the score at or above which two issues are
// treated as contending and must be placed in different sub-waves.
const ConflictThreshold = 0.4

const (
	weightSymbolOverlap  = 0.5
	weightSectionOverlap = 0.3
	weightModTypeMatch   = 0.2
)

// SubWave is a file-contention-safe partition within a wave: issues in
// the same sub-wave may run in parallel with each other.
type SubWave struct {
	Issues  []*issue.Issue
	WaitFor []string // issue IDs in earlier sub-waves of the same wave
}

// conflictScore computes the three-factor weighted score for a pair
// of issues that share at least one file reference.
func conflictScore(a, b *issue.Issue) float64 {
	symbolScore := jaccard(issue.ExtractSymbols([]byte(a.Title+" "+a.Slug)), issue.ExtractSymbols([]byte(b.Title+" "+b.Slug)))
	aSections := setOf(sectionKeywordsFor(a))
	bSections := setOf(sectionKeywordsFor(b))
	sectionScore := 0.0
	for kw := range aSections {
		if bSections[kw] {
			sectionScore = 1.0
			break
		}
	}
	modScore := 0.0
	if a.ModificationType != issue.ModUnknown && a.ModificationType == b.ModificationType {
		modScore = 1.0
	}

	return weightSymbolOverlap*symbolScore + weightSectionOverlap*sectionScore + weightModTypeMatch*modScore
}

// sectionKeywordsFor is a seam kept separate from issue.ExtractSectionKeywords
// so sub-wave scoring can be exercised purely from parsed fields in tests
// without re-reading the issue body from disk.
var sectionKeywordsFor = func(i *issue.Issue) []string {
	return issue.ExtractSectionKeywords([]byte(i.Title))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := setOf(a)
	setB := setOf(b)
	intersection := 0
	union := make(map[string]bool, len(setA)+len(setB))
	for k := range setA {
		union[k] = true
		if setB[k] {
			intersection++
		}
	}
	for k := range setB {
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func setOf(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

func shareFile(a, b *issue.Issue) bool {
	bFiles := setOf(b.FileHints)
	for _, f := range a.FileHints {
		if bFiles[f] {
			return true
		}
	}
	return false
}

// Partition splits a dependency-ordered wave into file-contention-safe
// sub-waves using a conflict-map-plus-greedy-coloring approach: build
// a symmetric conflict adjacency, sort by descending conflict degree,
// then assign each issue the lowest-numbered group not used by an
// already-assigned conflicting neighbor. threshold <= 0 falls back to
// ConflictThreshold.
func Partition(wave []*issue.Issue, threshold float64) []SubWave {
	n := len(wave)
	if n == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = ConflictThreshold
	}

	conflicts := make([][]bool, n)
	for i := range conflicts {
		conflicts[i] = make([]bool, n)
	}
	degree := make([]int, n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !shareFile(wave[i], wave[j]) {
				continue
			}
			score := conflictScore(wave[i], wave[j])
			if score >= threshold {
				conflicts[i][j] = true
				conflicts[j][i] = true
				degree[i]++
				degree[j]++
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if degree[order[a]] != degree[order[b]] {
			return degree[order[a]] > degree[order[b]]
		}
		return modTypeTiebreak(wave[order[a]], wave[order[b]])
	})

	group := make([]int, n)
	for i := range group {
		group[i] = -1
	}
	maxGroup := 0

	for _, idx := range order {
		used := make(map[int]bool)
		for j := 0; j < n; j++ {
			if conflicts[idx][j] && group[j] >= 0 {
				used[group[j]] = true
			}
		}
		g := 0
		for used[g] {
			g++
		}
		group[idx] = g
		if g > maxGroup {
			maxGroup = g
		}
	}

	subwaves := make([]SubWave, maxGroup+1)
	for idx, g := range group {
		subwaves[g].Issues = append(subwaves[g].Issues, wave[idx])
	}
	for g := range subwaves {
		sortIssues(subwaves[g].Issues)
		for earlier := 0; earlier < g; earlier++ {
			for _, iss := range subwaves[earlier].Issues {
				subwaves[g].WaitFor = append(subwaves[g].WaitFor, iss.ID)
			}
		}
	}

	return subwaves
}

func modTypeTiebreak(a, b *issue.Issue) bool {
	return a.ModificationType.Rank() < b.ModificationType.Rank()
}

package depgraph

import (
	"testing"

	"github.com/odvcencio/foreman/pkg/issue"
	"github.com/stretchr/testify/require"
)

func mkIssue(id string, priority int, blockers ...string) *issue.Issue {
	return &issue.Issue{ID: id, Priority: priority, Blockers: blockers}
}

func TestWavesLinearChain(t *testing.T) {
	issues := []*issue.Issue{
		mkIssue("BUG-1", 2),
		mkIssue("BUG-2", 2, "BUG-1"),
		mkIssue("BUG-3", 2, "BUG-2"),
	}
	g, err := Build(issues, nil)
	require.NoError(t, err)

	waves := g.Waves()
	require.Len(t, waves, 3)
	require.Equal(t, "BUG-1", waves[0][0].ID)
	require.Equal(t, "BUG-2", waves[1][0].ID)
	require.Equal(t, "BUG-3", waves[2][0].ID)
}

func TestWavesDropsSatisfiedBlockers(t *testing.T) {
	issues := []*issue.Issue{
		mkIssue("BUG-2", 2, "BUG-1"),
	}
	g, err := Build(issues, map[string]bool{"BUG-1": true})
	require.NoError(t, err)

	waves := g.Waves()
	require.Len(t, waves, 1)
	require.Equal(t, "BUG-2", waves[0][0].ID)
}

func TestBuildDetectsCycle(t *testing.T) {
	issues := []*issue.Issue{
		mkIssue("BUG-1", 2, "BUG-3"),
		mkIssue("BUG-2", 2, "BUG-1"),
		mkIssue("BUG-3", 2, "BUG-2"),
	}
	_, err := Build(issues, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestWavesP0AndP2SamePriorityWave(t *testing.T) {
	issues := []*issue.Issue{
		mkIssue("BUG-10", 0),
		mkIssue("FEAT-11", 2),
		mkIssue("ENH-12", 2),
	}
	g, err := Build(issues, nil)
	require.NoError(t, err)
	waves := g.Waves()
	require.Len(t, waves, 1)
	require.Equal(t, "BUG-10", waves[0][0].ID)
}

func TestPartitionSeparatesContendingIssues(t *testing.T) {
	a := &issue.Issue{ID: "BUG-1", Priority: 2, Title: "refactor header auth module", ModificationType: issue.ModStructural, FileHints: []string{"internal/auth.go"}}
	b := &issue.Issue{ID: "BUG-2", Priority: 2, Title: "refactor header auth flow", ModificationType: issue.ModStructural, FileHints: []string{"internal/auth.go"}}
	c := &issue.Issue{ID: "BUG-3", Priority: 2, Title: "polish footer", ModificationType: issue.ModEnhancement, FileHints: []string{"internal/unrelated.go"}}

	subwaves := Partition([]*issue.Issue{a, b, c}, ConflictThreshold)
	require.GreaterOrEqual(t, len(subwaves), 1)

	// a and b share a file and enough semantic overlap to conflict;
	// they must land in different sub-waves.
	groupOf := func(id string) int {
		for i, sw := range subwaves {
			for _, iss := range sw.Issues {
				if iss.ID == id {
					return i
				}
			}
		}
		return -1
	}
	require.NotEqual(t, groupOf("BUG-1"), groupOf("BUG-2"))
}

func TestPartitionEmptyWave(t *testing.T) {
	require.Nil(t, Partition(nil, ConflictThreshold))
}

func TestPartitionUsesConfiguredThreshold(t *testing.T) {
	a := &issue.Issue{ID: "BUG-1", Priority: 2, Title: "polish footer", ModificationType: issue.ModEnhancement, FileHints: []string{"internal/footer.go"}}
	b := &issue.Issue{ID: "BUG-2", Priority: 2, Title: "polish header", ModificationType: issue.ModEnhancement, FileHints: []string{"internal/footer.go"}}

	// Same ModificationType + shared file scores 0.2 (weightModTypeMatch
	// alone, since titles/slugs share no symbols or section keywords) —
	// below the default 0.4 threshold but at/above a looser 0.1 one.
	require.Len(t, Partition([]*issue.Issue{a, b}, ConflictThreshold), 1)

	subwaves := Partition([]*issue.Issue{a, b}, 0.1)
	require.Len(t, subwaves, 2)
}

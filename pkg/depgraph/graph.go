// Package depgraph builds the dependency DAG over active issues and
// computes dependency-ordered waves, refined into file-contention-safe
// sub-waves for sprint execution.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/foreman/pkg/issue"
)

// Graph is a directed acyclic graph over active issue IDs. Edges point
// from blocker to blocked, matching issue.Issue.Blockers.
type Graph struct {
	issues  map[string]*issue.Issue
	forward map[string][]string // blocker -> blocked
	blocked map[string][]string // blocked -> blockers (unsatisfied only)
}

// Build constructs the dependency graph for issues, dropping any edge
// whose source is already in completed. It returns an error (not a
// panic) if a cycle remains among the unsatisfied edges — callers are
// expected to treat that as a fatal, run-aborting condition.
func Build(issues []*issue.Issue, completed map[string]bool) (*Graph, error) {
	g := &Graph{
		issues:  make(map[string]*issue.Issue, len(issues)),
		forward: make(map[string][]string),
		blocked: make(map[string][]string),
	}

	for _, iss := range issues {
		g.issues[iss.ID] = iss
	}

	for _, iss := range issues {
		for _, blocker := range iss.Blockers {
			if completed[blocker] {
				continue // satisfied at graph-construction time
			}
			if _, known := g.issues[blocker]; !known {
				// Blocker references an issue outside the active set
				// and not yet completed; treat it as unsatisfied so
				// wave planning correctly stalls rather than silently
				// dropping the dependency.
				g.blocked[iss.ID] = append(g.blocked[iss.ID], blocker)
				continue
			}
			g.forward[blocker] = append(g.forward[blocker], iss.ID)
			g.blocked[iss.ID] = append(g.blocked[iss.ID], blocker)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("depgraph: dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}

	return g, nil
}

// findCycle runs DFS with a recursion stack over the forward edges and
// returns the full cycle path if one exists, else nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.issues))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)

		for _, next := range g.forward[id] {
			switch state[next] {
			case unvisited:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			case visiting:
				// Found the back edge; slice the path from next's
				// first occurrence to report the full cycle.
				for i, p := range path {
					if p == next {
						cyc := append(append([]string{}, path[i:]...), next)
						return cyc
					}
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if state[id] == unvisited {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.issues))
	for id := range g.issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Waves computes dependency-ordered waves via Kahn's algorithm: each
// wave holds every issue whose unsatisfied blockers are all in earlier
// waves. Within a wave, issues are sorted by priority then ID.
func (g *Graph) Waves() [][]*issue.Issue {
	remaining := make(map[string]int, len(g.issues)) // unsatisfied blocker count
	for id := range g.issues {
		remaining[id] = len(g.blocked[id])
	}

	var waves [][]*issue.Issue
	placed := make(map[string]bool, len(g.issues))

	for len(placed) < len(g.issues) {
		var frontier []*issue.Issue
		for id, count := range remaining {
			if placed[id] {
				continue
			}
			if count == 0 {
				frontier = append(frontier, g.issues[id])
			}
		}
		if len(frontier) == 0 {
			// Every remaining issue has an unresolved blocker outside
			// the active+completed set (a dangling reference); place
			// them in a final wave rather than looping forever, since
			// Build already guarantees acyclicity of in-set edges.
			for id, count := range remaining {
				if !placed[id] && count > 0 {
					frontier = append(frontier, g.issues[id])
				}
			}
			if len(frontier) == 0 {
				break
			}
		}

		sortIssues(frontier)
		waves = append(waves, frontier)
		for _, iss := range frontier {
			placed[iss.ID] = true
		}
		for id := range remaining {
			if placed[id] {
				continue
			}
			newCount := 0
			for _, blocker := range g.blocked[id] {
				if !placed[blocker] {
					newCount++
				}
			}
			remaining[id] = newCount
		}
	}

	return waves
}

func sortIssues(issues []*issue.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].ID < issues[j].ID
	})
}

package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// PhaseStatus is the lifecycle state of one wave's progress.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseActive   PhaseStatus = "active"
	PhaseComplete PhaseStatus = "complete"
)

// PhaseProgress tracks one wave's timing.
type PhaseProgress struct {
	Name        string
	Status      PhaseStatus
	TotalIssues int
	Done        int
	StartedAt   time.Time
	CompletedAt time.Time
}

func (p PhaseProgress) Duration() time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	end := p.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(p.StartedAt)
}

// ProgressInfo is a point-in-time snapshot suitable for rendering.
type ProgressInfo struct {
	TotalIssues     int
	CompletedIssues int
	FailedIssues    int
	InProgress      int
	PendingIssues   int
	CurrentPhase    string
	Phases          []PhaseProgress
	StartedAt       time.Time
	Elapsed         time.Duration
	ETA             time.Duration
}

// ProgressTracker accumulates per-wave phase progress across a run and
// renders human-readable lines.
type ProgressTracker struct {
	mu          sync.Mutex
	startTime   time.Time
	totalIssues int
	phases      []PhaseProgress

	completed int
	failed    int
}

// NewProgressTracker starts a tracker for a run of totalIssues issues.
func NewProgressTracker(totalIssues int) *ProgressTracker {
	return &ProgressTracker{startTime: time.Now(), totalIssues: totalIssues}
}

// StartWave begins timing a new wave/phase.
func (t *ProgressTracker) StartWave(name string, issueCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases = append(t.phases, PhaseProgress{
		Name:        name,
		Status:      PhaseActive,
		TotalIssues: issueCount,
		StartedAt:   time.Now(),
	})
}

// RecordIssueDone marks one issue in the current wave as finished,
// success or not. Safe to call concurrently — multiple merge outcomes
// can land at once.
func (t *ProgressTracker) RecordIssueDone(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.completed++
	} else {
		t.failed++
	}
	if len(t.phases) == 0 {
		return
	}
	t.phases[len(t.phases)-1].Done++
}

// CompleteWave closes out the current wave's timing.
func (t *ProgressTracker) CompleteWave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.phases) == 0 {
		return
	}
	last := &t.phases[len(t.phases)-1]
	last.Status = PhaseComplete
	last.CompletedAt = time.Now()
}

// Snapshot computes the current ProgressInfo, including an ETA derived
// from the average per-issue duration observed so far across
// completed waves.
func (t *ProgressTracker) Snapshot() ProgressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.startTime)
	done := t.completed + t.failed
	pending := t.totalIssues - done

	var eta time.Duration
	if done > 0 && pending > 0 {
		avg := elapsed / time.Duration(done)
		eta = avg * time.Duration(pending)
	}

	current := ""
	for i := len(t.phases) - 1; i >= 0; i-- {
		if t.phases[i].Status == PhaseActive {
			current = t.phases[i].Name
			break
		}
	}

	return ProgressInfo{
		TotalIssues:     t.totalIssues,
		CompletedIssues: t.completed,
		FailedIssues:    t.failed,
		PendingIssues:   pending,
		CurrentPhase:    current,
		Phases:          append([]PhaseProgress{}, t.phases...),
		StartedAt:       t.startTime,
		Elapsed:         elapsed,
		ETA:             eta,
	}
}

// RenderCompact formats a single-line progress summary, e.g.
// "[wave 2] 3/8 done (1 failed), ETA 4m12s".
func RenderCompact(info ProgressInfo) string {
	var b strings.Builder
	if info.CurrentPhase != "" {
		fmt.Fprintf(&b, "[%s] ", info.CurrentPhase)
	}
	fmt.Fprintf(&b, "%d/%d done", info.CompletedIssues, info.TotalIssues)
	if info.FailedIssues > 0 {
		fmt.Fprintf(&b, " (%d failed)", info.FailedIssues)
	}
	if info.ETA > 0 {
		fmt.Fprintf(&b, ", ETA %s", info.ETA.Round(time.Second))
	}
	return b.String()
}

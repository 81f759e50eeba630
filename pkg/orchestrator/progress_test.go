package orchestrator

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestProgressTracker_Snapshot(t *testing.T) {
	tracker := NewProgressTracker(4)
	tracker.StartWave("wave 1", 4)

	tracker.RecordIssueDone(true)
	tracker.RecordIssueDone(true)
	tracker.RecordIssueDone(false)

	info := tracker.Snapshot()
	if info.TotalIssues != 4 {
		t.Errorf("TotalIssues = %d, want 4", info.TotalIssues)
	}
	if info.CompletedIssues != 2 {
		t.Errorf("CompletedIssues = %d, want 2", info.CompletedIssues)
	}
	if info.FailedIssues != 1 {
		t.Errorf("FailedIssues = %d, want 1", info.FailedIssues)
	}
	if info.PendingIssues != 1 {
		t.Errorf("PendingIssues = %d, want 1", info.PendingIssues)
	}
	if info.CurrentPhase != "wave 1" {
		t.Errorf("CurrentPhase = %q, want %q", info.CurrentPhase, "wave 1")
	}
}

func TestProgressTracker_Phases(t *testing.T) {
	tracker := NewProgressTracker(0)

	tracker.StartWave("wave 1", 2)
	time.Sleep(5 * time.Millisecond)
	tracker.CompleteWave()

	info := tracker.Snapshot()
	if len(info.Phases) != 1 {
		t.Fatalf("Phases count = %d, want 1", len(info.Phases))
	}
	phase := info.Phases[0]
	if phase.Name != "wave 1" {
		t.Errorf("Phase name = %q, want %q", phase.Name, "wave 1")
	}
	if phase.Status != PhaseComplete {
		t.Errorf("Phase status = %q, want %q", phase.Status, PhaseComplete)
	}
	if phase.Duration() < 5*time.Millisecond {
		t.Errorf("Phase duration = %v, want >= 5ms", phase.Duration())
	}
	if info.CurrentPhase != "" {
		t.Errorf("CurrentPhase = %q, want empty once wave completed", info.CurrentPhase)
	}
}

func TestProgressTracker_ConcurrentRecordIssueDone(t *testing.T) {
	tracker := NewProgressTracker(100)
	tracker.StartWave("wave 1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracker.RecordIssueDone(i%2 == 0)
		}(i)
	}
	wg.Wait()

	info := tracker.Snapshot()
	if info.CompletedIssues+info.FailedIssues != 100 {
		t.Errorf("completed+failed = %d, want 100", info.CompletedIssues+info.FailedIssues)
	}
	if info.Phases[0].Done != 100 {
		t.Errorf("phase done = %d, want 100", info.Phases[0].Done)
	}
}

func TestRenderCompact(t *testing.T) {
	info := ProgressInfo{
		CurrentPhase:    "wave 2",
		TotalIssues:     8,
		CompletedIssues: 3,
		FailedIssues:    1,
		ETA:             4*time.Minute + 12*time.Second,
	}

	got := RenderCompact(info)
	for _, want := range []string{"wave 2", "3/8 done", "1 failed", "ETA"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderCompact() = %q, want substring %q", got, want)
		}
	}
}

func TestRenderCompact_NoFailuresNoETA(t *testing.T) {
	info := ProgressInfo{TotalIssues: 2, CompletedIssues: 2}
	got := RenderCompact(info)
	if strings.Contains(got, "failed") {
		t.Errorf("RenderCompact() = %q, want no failed substring", got)
	}
	if strings.Contains(got, "ETA") {
		t.Errorf("RenderCompact() = %q, want no ETA substring", got)
	}
}

package orchestrator

import (
	"testing"
	"time"
)

func TestRiskLevel_String(t *testing.T) {
	tests := []struct {
		level    RiskLevel
		expected string
	}{
		{RiskNone, "none"},
		{RiskLow, "low"},
		{RiskMedium, "medium"},
		{RiskHigh, "high"},
		{RiskLevel(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("RiskLevel.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestContextMonitor_BelowMinSamples(t *testing.T) {
	m := NewContextMonitor(20, 0.3, 10*time.Minute)
	m.Record(time.Second, true)
	m.Record(time.Second, true)

	if got := m.Assess(); got.Level != RiskNone {
		t.Errorf("Assess() with too few samples = %v, want RiskNone", got.Level)
	}
}

func TestContextMonitor_MalformedRateTripsHigh(t *testing.T) {
	m := NewContextMonitor(10, 0.3, time.Hour)
	for i := 0; i < 5; i++ {
		m.Record(time.Second, true)
	}

	got := m.Assess()
	if got.Level != RiskHigh {
		t.Errorf("Level = %v, want RiskHigh", got.Level)
	}
	if !got.RequiresPause {
		t.Error("RequiresPause = false, want true")
	}
	if len(got.Reasons) == 0 {
		t.Error("expected at least one reason")
	}
}

func TestContextMonitor_LatencyTripsMedium(t *testing.T) {
	m := NewContextMonitor(10, 1.0, time.Minute)
	for i := 0; i < 6; i++ {
		m.Record(5*time.Minute, false)
	}

	got := m.Assess()
	if got.Level != RiskMedium {
		t.Errorf("Level = %v, want RiskMedium", got.Level)
	}
	if !got.RequiresPause {
		t.Error("RequiresPause = false, want true")
	}
}

func TestContextMonitor_Healthy(t *testing.T) {
	m := NewContextMonitor(10, 0.3, time.Hour)
	for i := 0; i < 6; i++ {
		m.Record(time.Second, false)
	}

	got := m.Assess()
	if got.Level != RiskNone {
		t.Errorf("Level = %v, want RiskNone", got.Level)
	}
	if got.RequiresPause {
		t.Error("RequiresPause = true, want false")
	}
}

func TestContextMonitor_RingBufferEvictsOldSamples(t *testing.T) {
	m := NewContextMonitor(5, 0.3, time.Hour)
	for i := 0; i < 5; i++ {
		m.Record(time.Second, true)
	}
	// Overwrite every malformed sample with healthy ones.
	for i := 0; i < 5; i++ {
		m.Record(time.Second, false)
	}

	got := m.Assess()
	if got.Level != RiskNone {
		t.Errorf("Level = %v after eviction, want RiskNone", got.Level)
	}
}

func TestPercentile(t *testing.T) {
	d := []time.Duration{
		1 * time.Second, 5 * time.Second, 2 * time.Second, 4 * time.Second, 3 * time.Second,
	}
	if got := percentile(d, 0.0); got != 1*time.Second {
		t.Errorf("p0 = %v, want 1s", got)
	}
	if got := percentile(d, 1.0); got != 5*time.Second {
		t.Errorf("p100 = %v, want 5s", got)
	}
}

package logic

import (
	"testing"
	"time"
)

var senseIDs = []string{"hall", "porch"}

func TestSenseBaselineEstablishment(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewSenseFilter(250 * time.Millisecond)

	// First sample - starts observation
	changes := f.Process(senseIDs, map[string]bool{"hall": true, "porch": false}, now)
	if len(changes) != 0 {
		t.Errorf("expected no changes during baseline, got %d", len(changes))
	}
	if f.State("hall") != PowerUnknown {
		t.Errorf("expected hall UNKNOWN before baseline, got %q", f.State("hall"))
	}

	// Before glitch period
	changes = f.Process(senseIDs, map[string]bool{"hall": true, "porch": false}, now.Add(200*time.Millisecond))
	if len(changes) != 0 {
		t.Errorf("expected no changes during baseline, got %d", len(changes))
	}

	// After glitch period - baseline established for both lines
	changes = f.Process(senseIDs, map[string]bool{"hall": true, "porch": false}, now.Add(250*time.Millisecond))
	if len(changes) != 2 {
		t.Fatalf("expected 2 baseline changes, got %d", len(changes))
	}
	if changes[0].LightID != "hall" || changes[0].Power != PowerOn || !changes[0].Baseline {
		t.Errorf("unexpected hall baseline: %+v", changes[0])
	}
	if changes[1].LightID != "porch" || changes[1].Power != PowerOff || !changes[1].Baseline {
		t.Errorf("unexpected porch baseline: %+v", changes[1])
	}
	if f.State("hall") != PowerOn {
		t.Errorf("expected hall ON, got %q", f.State("hall"))
	}
}

func TestSenseBaselineResetOnChange(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewSenseFilter(250 * time.Millisecond)
	ids := []string{"hall"}

	f.Process(ids, map[string]bool{"hall": true}, now)
	// Change state before the glitch period completes
	f.Process(ids, map[string]bool{"hall": false}, now.Add(100*time.Millisecond))

	// Full period from the first sample, not baselined because state changed
	if changes := f.Process(ids, map[string]bool{"hall": false}, now.Add(250*time.Millisecond)); len(changes) != 0 {
		t.Errorf("expected no changes, got %d", len(changes))
	}

	changes := f.Process(ids, map[string]bool{"hall": false}, now.Add(350*time.Millisecond))
	if len(changes) != 1 || changes[0].Power != PowerOff {
		t.Fatalf("expected OFF baseline, got %+v", changes)
	}
}

func setupBaselinedFilter(t *testing.T, hall bool) (*SenseFilter, time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewSenseFilter(250 * time.Millisecond)
	ids := []string{"hall"}
	f.Process(ids, map[string]bool{"hall": hall}, now)
	if changes := f.Process(ids, map[string]bool{"hall": hall}, now.Add(250*time.Millisecond)); len(changes) != 1 {
		t.Fatalf("setup: expected baseline change, got %d", len(changes))
	}
	return f, now.Add(time.Minute)
}

func TestSenseNoChangesForStableState(t *testing.T) {
	f, now := setupBaselinedFilter(t, true)
	for i := 0; i < 10; i++ {
		changes := f.Process([]string{"hall"}, map[string]bool{"hall": true}, now.Add(time.Duration(i)*100*time.Millisecond))
		if len(changes) != 0 {
			t.Errorf("iteration %d: expected no changes for stable state, got %d", i, len(changes))
		}
	}
}

func TestSenseTransitionOnToOff(t *testing.T) {
	f, now := setupBaselinedFilter(t, true)
	ids := []string{"hall"}

	f.Process(ids, map[string]bool{"hall": false}, now)
	if changes := f.Process(ids, map[string]bool{"hall": false}, now.Add(200*time.Millisecond)); len(changes) != 0 {
		t.Errorf("expected no change before glitch period, got %d", len(changes))
	}

	changes := f.Process(ids, map[string]bool{"hall": false}, now.Add(250*time.Millisecond))
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Power != PowerOff || changes[0].Baseline {
		t.Errorf("unexpected change: %+v", changes[0])
	}
}

func TestSenseGlitchSuppressed(t *testing.T) {
	f, now := setupBaselinedFilter(t, true)
	ids := []string{"hall"}

	// Brief drop that recovers within the glitch period
	f.Process(ids, map[string]bool{"hall": false}, now)
	f.Process(ids, map[string]bool{"hall": true}, now.Add(100*time.Millisecond))
	for i := 2; i < 10; i++ {
		if changes := f.Process(ids, map[string]bool{"hall": true}, now.Add(time.Duration(i)*100*time.Millisecond)); len(changes) != 0 {
			t.Errorf("iteration %d: glitch produced a change", i)
		}
	}
	if f.State("hall") != PowerOn {
		t.Errorf("expected hall to stay ON, got %q", f.State("hall"))
	}
}

func TestSenseMissingSampleIgnored(t *testing.T) {
	f, now := setupBaselinedFilter(t, true)
	if changes := f.Process([]string{"hall"}, map[string]bool{}, now); len(changes) != 0 {
		t.Errorf("expected no changes for missing sample, got %d", len(changes))
	}
}

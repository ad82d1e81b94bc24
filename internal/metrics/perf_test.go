package metrics

import (
	"testing"
	"time"
)

func TestPerfTracker_Percentiles(t *testing.T) {
	pt := NewPerfTracker()

	// 100 samples: 1ms..100ms
	for i := 1; i <= 100; i++ {
		pt.Record("validate", time.Duration(i)*time.Millisecond)
	}

	b := pt.Bucket("validate")
	if b == nil {
		t.Fatal("expected bucket for recorded operation")
	}
	if b.Count != 100 {
		t.Errorf("Count = %d, want 100", b.Count)
	}
	if b.Min != 1 || b.Max != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", b.Min, b.Max)
	}
	if b.P50 < 45 || b.P50 > 55 {
		t.Errorf("P50 = %v, want ~50", b.P50)
	}
	if b.P95 < 90 || b.P95 > 96 {
		t.Errorf("P95 = %v, want ~95", b.P95)
	}
	if b.P99 < 95 || b.P99 > 100 {
		t.Errorf("P99 = %v, want ~99", b.P99)
	}
}

func TestPerfTracker_UnknownOperation(t *testing.T) {
	pt := NewPerfTracker()
	if b := pt.Bucket("never-recorded"); b != nil {
		t.Errorf("expected nil bucket, got %+v", b)
	}
}

func TestPerfTracker_WindowWraps(t *testing.T) {
	pt := NewPerfTracker()

	// Overfill the window; old cheap samples rotate out of the percentile view
	for i := 0; i < perfWindowSize; i++ {
		pt.Record("op", time.Millisecond)
	}
	for i := 0; i < perfWindowSize; i++ {
		pt.Record("op", 200*time.Millisecond)
	}

	b := pt.Bucket("op")
	if b.Count != 2*perfWindowSize {
		t.Errorf("Count = %d, want %d", b.Count, 2*perfWindowSize)
	}
	if b.P50 != 200 {
		t.Errorf("P50 = %v, want 200 after window rotation", b.P50)
	}
	// Min tracks lifetime, not window
	if b.Min != 1 {
		t.Errorf("Min = %v, want 1", b.Min)
	}
}

func TestPerfTracker_SnapshotSorted(t *testing.T) {
	pt := NewPerfTracker()
	pt.Record("zeta", time.Millisecond)
	pt.Record("alpha", time.Millisecond)
	pt.Record("mid", time.Millisecond)

	snap := pt.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	if snap[0].Operation != "alpha" || snap[2].Operation != "zeta" {
		t.Errorf("snapshot not sorted: %s, %s, %s",
			snap[0].Operation, snap[1].Operation, snap[2].Operation)
	}
}

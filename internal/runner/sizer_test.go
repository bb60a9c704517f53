package runner

import (
	"testing"
	"time"
)

func TestNewBatchSizerClampsInitial(t *testing.T) {
	cases := []struct {
		name                   string
		initial, minS, maxS    int
		size, wantMin, wantMax int
	}{
		{"above max", 1000, 100, 500, 500, 100, 500},
		{"below min", 50, 100, 500, 100, 100, 500},
		{"in range", 250, 100, 500, 250, 100, 500},
		{"all zero", 0, 0, 0, 1, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newBatchSizer(tc.initial, tc.minS, tc.maxS)
			if s.size != tc.size || s.min != tc.wantMin || s.max != tc.wantMax {
				t.Fatalf("newBatchSizer(%d, %d, %d) = {size %d, min %d, max %d}, want {%d, %d, %d}",
					tc.initial, tc.minS, tc.maxS, s.size, s.min, s.max, tc.size, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestAdjustGrowsOnCleanFastBatches(t *testing.T) {
	s := newBatchSizer(100, 50, 1000)
	if got := s.adjust(1.0, time.Second); got != 125 {
		t.Fatalf("first adjust = %d, want 125", got)
	}
	if got := s.adjust(0.96, 29*time.Second); got != 156 {
		t.Fatalf("second adjust = %d, want 156", got)
	}
}

func TestAdjustShrinksOnFailures(t *testing.T) {
	s := newBatchSizer(100, 50, 1000)
	if got := s.adjust(0.5, time.Second); got != 50 {
		t.Fatalf("adjust = %d, want 50", got)
	}
	// Already at the floor.
	if got := s.adjust(0, time.Second); got != 50 {
		t.Fatalf("adjust at min = %d, want 50", got)
	}
}

func TestAdjustShrinksOnSlowBatches(t *testing.T) {
	s := newBatchSizer(100, 10, 1000)
	if got := s.adjust(1.0, 61*time.Second); got != 50 {
		t.Fatalf("adjust = %d, want 50", got)
	}
}

func TestAdjustHoldsInMiddleBand(t *testing.T) {
	s := newBatchSizer(100, 10, 1000)
	if got := s.adjust(0.9, time.Second); got != 100 {
		t.Fatalf("adjust(0.9, 1s) = %d, want 100", got)
	}
	if got := s.adjust(1.0, 45*time.Second); got != 100 {
		t.Fatalf("adjust(1.0, 45s) = %d, want 100", got)
	}
}

func TestAdjustRespectsMax(t *testing.T) {
	s := newBatchSizer(900, 50, 1000)
	if got := s.adjust(1.0, time.Second); got != 1000 {
		t.Fatalf("adjust = %d, want 1000", got)
	}
	if got := s.adjust(1.0, time.Second); got != 1000 {
		t.Fatalf("adjust at max = %d, want 1000", got)
	}
}

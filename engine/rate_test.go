package engine

import (
	"math"
	"testing"
	"time"
)

func TestRateSteadyIncrement(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 2)
	base := time.Now()

	if r := tr.Add(base, 1000); r != nil {
		t.Fatalf("first sample should have no rate, got %v", *r)
	}
	r := tr.Add(base.Add(time.Second), 2000)
	if r == nil {
		t.Fatal("expected a rate after two samples spanning 1s")
	}
	if math.Abs(*r-1000) > 1e-9 {
		t.Errorf("rate = %v, want 1000", *r)
	}
}

func TestRateMinSpan(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 1)
	base := time.Now()

	tr.Add(base, 0)
	if r := tr.Add(base.Add(100*time.Millisecond), 100); r != nil {
		t.Fatalf("span below minimum should suppress rate, got %v", *r)
	}
	if r := tr.Add(base.Add(2*time.Second), 200); r == nil {
		t.Fatal("expected a rate once span exceeds minimum")
	}
}

func TestRateWindowPruning(t *testing.T) {
	tr := newRateTracker(10*time.Second, time.Second, 1)
	base := time.Now()

	tr.Add(base, 0)
	tr.Add(base.Add(5*time.Second), 500)
	// This sample pushes the first one out of the 10s window.
	r := tr.Add(base.Add(12*time.Second), 1200)
	if r == nil {
		t.Fatal("expected a rate")
	}
	// Oldest in window is the 5s sample: (1200-500)/(12-5) = 100.
	if math.Abs(*r-100) > 1e-9 {
		t.Errorf("rate = %v, want 100", *r)
	}
}

func TestRateRollover32Bit(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 2)
	base := time.Now()
	top := math.Ldexp(1, 32)

	tr.Add(base, top-2)
	tr.Add(base.Add(time.Second), top-1)
	tr.Reset()

	tr.Add(base, top-1)
	r := tr.Add(base.Add(2*time.Second), 1)
	if r == nil {
		t.Fatal("expected a rate")
	}
	// Wrap: (1 + 2^32 - (2^32-1)) / 2 = 1.
	if math.Abs(*r-1) > 1e-9 {
		t.Errorf("rollover rate = %v, want 1", *r)
	}
}

func TestRateResetLooksLikeRolloverOnlyNearTop(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 2)
	base := time.Now()

	// A drop from mid-range is a device reset, not a wrap.
	tr.Add(base, 1_000_000)
	r := tr.Add(base.Add(2*time.Second), 10)
	if r == nil {
		t.Fatal("expected a rate")
	}
	if *r >= 0 {
		t.Errorf("mid-range drop should yield a negative rate, got %v", *r)
	}
}

func TestRateRollover64BitDoesNotOverflow(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 4)
	if tr.rolloverFloor <= 0 || math.IsInf(tr.rolloverFloor, 0) {
		t.Fatalf("bad rollover floor for 64-bit counters: %v", tr.rolloverFloor)
	}
	want := math.Ldexp(1, 64) * 3 / 4
	if tr.rolloverFloor != want {
		t.Errorf("rolloverFloor = %v, want %v", tr.rolloverFloor, want)
	}
}

func TestRateResetClearsHistory(t *testing.T) {
	tr := newRateTracker(60*time.Second, time.Second, 1)
	base := time.Now()
	tr.Add(base, 0)
	tr.Add(base.Add(2*time.Second), 100)
	tr.Reset()
	if r := tr.Add(base.Add(4*time.Second), 200); r != nil {
		t.Fatalf("rate after reset should need fresh history, got %v", *r)
	}
}

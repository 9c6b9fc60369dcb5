package engine

import (
	"math"
	"time"
)

// rateSample is one (timestamp, value) point in a channel's history.
type rateSample struct {
	ts  time.Time
	val float64
}

// rateTracker computes rate of change over a sliding time window for one
// (device, channel). Owned by the device worker, never shared.
type rateTracker struct {
	window  time.Duration
	minSpan time.Duration

	// registerBits > 0 enables counter rollover handling: a drop from near
	// the top of the register range is treated as a wrap of 2^registerBits.
	registerBits  uint
	rolloverFloor float64

	samples []rateSample
}

// newRateTracker creates a tracker. registerCount is the channel's register
// width in 16-bit words; 0 disables rollover handling (scale channels).
func newRateTracker(window, minSpan time.Duration, registerCount int) *rateTracker {
	t := &rateTracker{window: window, minSpan: minSpan}
	if registerCount > 0 {
		t.registerBits = uint(registerCount) * 16
		// Ldexp keeps this exact for 64-bit counters where 1<<64 overflows.
		t.rolloverFloor = math.Ldexp(1, int(t.registerBits)) * 3 / 4
	}
	return t
}

// Add appends a sample, prunes everything older than the window, and
// returns the rate in units per second, or nil while history is too thin
// or too narrow.
func (t *rateTracker) Add(ts time.Time, val float64) *float64 {
	t.samples = append(t.samples, rateSample{ts: ts, val: val})

	cutoff := ts.Add(-t.window)
	keep := 0
	for keep < len(t.samples)-1 && t.samples[keep].ts.Before(cutoff) {
		keep++
	}
	t.samples = t.samples[keep:]

	if len(t.samples) < 2 {
		return nil
	}
	oldest := t.samples[0]
	newest := t.samples[len(t.samples)-1]
	span := newest.ts.Sub(oldest.ts)
	if span < t.minSpan {
		return nil
	}

	delta := newest.val - oldest.val
	if t.registerBits > 0 && newest.val < oldest.val && oldest.val > t.rolloverFloor {
		// Counter wrapped: the drop is a pass through zero, not a reset.
		delta = newest.val + math.Ldexp(1, int(t.registerBits)) - oldest.val
	}
	rate := delta / span.Seconds()
	return &rate
}

// Reset drops all history, e.g. after a device reconfiguration.
func (t *rateTracker) Reset() {
	t.samples = t.samples[:0]
}

package engine

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
)

func TestHealthStatusDerivation(t *testing.T) {
	const maxCF = 3
	tr := newHealthTracker(zap.NewNop())
	tr.Seed("d1")

	h, ok := tr.Get("d1")
	if !ok || h.Status != model.StatusUnknown {
		t.Fatalf("seeded device should be unknown, got %v %v", ok, h.Status)
	}

	// Clean cycle: online.
	h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 2, Connected: true}, maxCF)
	if h.Status != model.StatusOnline {
		t.Fatalf("clean cycle → %s, want online", h.Status)
	}

	// Partial failure: warning.
	h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Failures: 1, Connected: true,
		Errors: []string{"channel 1: read failed"}}, maxCF)
	if h.Status != model.StatusWarning {
		t.Fatalf("partial failure → %s, want warning", h.Status)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("a successful channel should reset consecutive failures, got %d", h.ConsecutiveFailures)
	}

	// Overrun with no failures: warning.
	h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 2, Connected: true, Overran: true}, maxCF)
	if h.Status != model.StatusWarning {
		t.Fatalf("overrun → %s, want warning", h.Status)
	}

	// Total failures accumulate toward offline.
	for i := 0; i < maxCF; i++ {
		h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Failures: 2, Connected: true,
			Errors: []string{"channel 0: timeout"}}, maxCF)
	}
	if h.ConsecutiveFailures != maxCF {
		t.Fatalf("consecutive failures = %d, want %d", h.ConsecutiveFailures, maxCF)
	}
	if h.Status != model.StatusOffline {
		t.Fatalf("threshold reached → %s, want offline", h.Status)
	}

	// Recovery resets.
	h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 2, Connected: true}, maxCF)
	if h.Status != model.StatusOnline || h.ConsecutiveFailures != 0 {
		t.Fatalf("recovery → %s cf=%d, want online cf=0", h.Status, h.ConsecutiveFailures)
	}
}

func TestHealthConfigFailureIsError(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	h, _ := tr.Apply(model.PollOutcome{DeviceID: "d1", Failures: 1, Connected: true,
		ConfigFailure: true, Errors: []string{"channel 0: decode failed"}}, 3)
	if h.Status != model.StatusError {
		t.Fatalf("all-config failure cycle → %s, want error", h.Status)
	}
}

func TestHealthDisconnectedIsOffline(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	h, _ := tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: false}, 3)
	if h.Status != model.StatusOffline {
		t.Fatalf("disconnected → %s, want offline", h.Status)
	}
}

func TestHealthTerminalOutcome(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: true}, 3)
	h, _ := tr.Apply(model.PollOutcome{DeviceID: "d1", Terminal: true}, 3)
	if h.Status != model.StatusOffline {
		t.Fatalf("terminal → %s, want offline", h.Status)
	}
}

func TestHealthLatencyEWMA(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	h, _ := tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: true,
		Duration: 100 * time.Millisecond}, 3)
	if h.AvgLatencyMs != 100 {
		t.Fatalf("first latency = %v, want 100", h.AvgLatencyMs)
	}
	h, _ = tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: true,
		Duration: 200 * time.Millisecond}, 3)
	want := 0.8*100 + 0.2*200
	if math.Abs(h.AvgLatencyMs-want) > 1e-9 {
		t.Fatalf("EWMA latency = %v, want %v", h.AvgLatencyMs, want)
	}
}

func TestHealthCountersSurviveReseed(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	tr.Seed("d1")
	tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 3, Failures: 1, Connected: true}, 3)

	// An update re-seeds without removing; lifetime counters carry over.
	tr.Seed("d1")
	h, _ := tr.Get("d1")
	if h.TotalReads != 4 || h.SuccessfulReads != 3 {
		t.Fatalf("counters lost across reseed: total=%d ok=%d", h.TotalReads, h.SuccessfulReads)
	}

	tr.Remove("d1")
	if _, ok := tr.Get("d1"); ok {
		t.Fatal("removed device still tracked")
	}
}

func TestHealthRemovedDeviceStaysRemoved(t *testing.T) {
	tr := newHealthTracker(zap.NewNop())
	tr.Seed("d1")
	tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: true}, 3)
	tr.Remove("d1")

	// A worker that missed its grace window delivers a late terminal outcome.
	if _, ok := tr.Apply(model.PollOutcome{DeviceID: "d1", Terminal: true}, 3); ok {
		t.Fatal("late outcome for a removed device was accepted")
	}
	if _, ok := tr.Get("d1"); ok {
		t.Fatal("late outcome resurrected a removed device")
	}
	if len(tr.All()) != 0 {
		t.Fatalf("ghost entries after removal: %v", tr.All())
	}

	// Re-adding the device clears the tombstone.
	tr.Seed("d1")
	if h, ok := tr.Apply(model.PollOutcome{DeviceID: "d1", Successes: 1, Connected: true}, 3); !ok || h.Status != model.StatusOnline {
		t.Fatalf("re-added device not tracked: ok=%v h=%+v", ok, h)
	}
}

func TestHealthSuccessRate(t *testing.T) {
	h := model.DeviceHealth{TotalReads: 8, SuccessfulReads: 6}
	if got := h.SuccessRate(); got != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", got)
	}
	if got := (model.DeviceHealth{}).SuccessRate(); got != 0 {
		t.Fatalf("empty success rate = %v, want 0", got)
	}
}

package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
)

// latencyAlpha is the EWMA weight of the newest cycle latency.
const latencyAlpha = 0.2

// healthTracker derives per-device health from poll outcomes. Snapshots are
// values; readers never see a partially updated entry.
type healthTracker struct {
	log *zap.Logger

	mu      sync.RWMutex
	devices map[string]model.DeviceHealth
	// removed holds tombstones so a worker that outlives its grace window
	// cannot resurrect a removed device with a late outcome.
	removed map[string]struct{}
}

func newHealthTracker(log *zap.Logger) *healthTracker {
	return &healthTracker{
		log:     log,
		devices: make(map[string]model.DeviceHealth),
		removed: make(map[string]struct{}),
	}
}

// Seed registers a device as unknown unless it is already tracked. Keeping
// an existing entry preserves lifetime counters across a config update.
func (t *healthTracker) Seed(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.removed, deviceID)
	if _, ok := t.devices[deviceID]; ok {
		return
	}
	t.devices[deviceID] = model.DeviceHealth{
		DeviceID:  deviceID,
		Status:    model.StatusUnknown,
		Timestamp: time.Now(),
	}
}

// Apply folds one poll outcome into the device's health and returns the new
// snapshot. maxConsecutive is the device's offline threshold. Outcomes for a
// removed device are discarded and reported with ok=false.
func (t *healthTracker) Apply(out model.PollOutcome, maxConsecutive int) (model.DeviceHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, gone := t.removed[out.DeviceID]; gone {
		return model.DeviceHealth{}, false
	}
	h := t.devices[out.DeviceID]
	prev := h.Status
	h.DeviceID = out.DeviceID
	h.Connected = out.Connected
	h.Timestamp = time.Now()
	if out.TemplateID != "" {
		h.ProtocolTemplate = out.TemplateID
	}

	h.TotalReads += uint64(out.Successes + out.Failures)
	h.SuccessfulReads += uint64(out.Successes)
	if out.Successes > 0 {
		h.ConsecutiveFailures = 0
		h.LastSuccessfulRead = h.Timestamp
	} else if out.Failures > 0 {
		h.ConsecutiveFailures++
	}
	if len(out.Errors) > 0 {
		h.LastError = out.Errors[len(out.Errors)-1]
	}
	if out.Duration > 0 {
		ms := float64(out.Duration) / float64(time.Millisecond)
		if h.AvgLatencyMs == 0 {
			h.AvgLatencyMs = ms
		} else {
			h.AvgLatencyMs = (1-latencyAlpha)*h.AvgLatencyMs + latencyAlpha*ms
		}
	}

	h.Status = deriveStatus(h, out, maxConsecutive)
	t.devices[out.DeviceID] = h

	if h.Status != prev {
		t.log.Info("device status changed",
			zap.String("device", out.DeviceID),
			zap.String("from", prev.String()),
			zap.String("to", h.Status.String()),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.String("last_error", h.LastError))
	}
	return h, true
}

// deriveStatus classifies a device from its updated counters and the cycle
// that produced them.
func deriveStatus(h model.DeviceHealth, out model.PollOutcome, maxConsecutive int) model.DeviceStatus {
	switch {
	case out.Terminal:
		return model.StatusOffline
	case !out.Connected:
		return model.StatusOffline
	case maxConsecutive > 0 && h.ConsecutiveFailures >= maxConsecutive:
		return model.StatusOffline
	case out.Failures > 0 && out.Successes == 0 && out.ConfigFailure:
		return model.StatusError
	case out.Failures > 0:
		return model.StatusWarning
	case out.Overran:
		return model.StatusWarning
	default:
		return model.StatusOnline
	}
}

// Get returns the snapshot for one device.
func (t *healthTracker) Get(deviceID string) (model.DeviceHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.devices[deviceID]
	return h, ok
}

// All returns snapshots for every tracked device.
func (t *healthTracker) All() []model.DeviceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.DeviceHealth, 0, len(t.devices))
	for _, h := range t.devices {
		out = append(out, h)
	}
	return out
}

// Remove forgets a device and tombstones it until a re-add seeds it again.
func (t *healthTracker) Remove(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
	t.removed[deviceID] = struct{}{}
}

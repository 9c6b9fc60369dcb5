package model

import "time"

// DeviceStatus is the coarse health classification of one device.
type DeviceStatus int

const (
	StatusUnknown DeviceStatus = iota
	StatusOnline
	StatusWarning
	StatusError
	StatusOffline
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOnline:
		return "online"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// DeviceHealth is an immutable snapshot of one device's health. A fresh
// snapshot is published on every poll outcome; callers never mutate one.
type DeviceHealth struct {
	DeviceID            string
	Status              DeviceStatus
	Connected           bool
	TotalReads          uint64
	SuccessfulReads     uint64
	ConsecutiveFailures int
	LastSuccessfulRead  time.Time
	AvgLatencyMs        float64
	LastError           string
	ProtocolTemplate    string
	Timestamp           time.Time
}

// SuccessRate returns successful/total, or 0 when nothing has been read yet.
func (h DeviceHealth) SuccessRate() float64 {
	if h.TotalReads == 0 {
		return 0
	}
	return float64(h.SuccessfulReads) / float64(h.TotalReads)
}

// PollOutcome summarizes one acquisition cycle for the health tracker.
type PollOutcome struct {
	DeviceID   string
	Successes  int
	Failures   int
	Duration   time.Duration
	Errors     []string
	Connected  bool
	TemplateID string
	Overran    bool

	// ConfigFailure marks cycles whose failures were decode or configuration
	// errors rather than transport ones.
	ConfigFailure bool

	// Terminal marks the final outcome emitted when a worker is torn down.
	Terminal bool
}

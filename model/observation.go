package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quality labels how trustworthy a single observation is.
type Quality string

const (
	QualityGood          Quality = "good"
	QualityUncertain     Quality = "uncertain"
	QualityBad           Quality = "bad"
	QualityTimeout       Quality = "timeout"
	QualityDeviceFailure Quality = "device_failure"
	QualityConfigError   Quality = "configuration_error"
	QualityOverflow      Quality = "overflow"
)

// Failed reports whether the quality marks an acquisition failure rather
// than a validation verdict on a real reading.
func (q Quality) Failed() bool {
	switch q {
	case QualityTimeout, QualityDeviceFailure, QualityConfigError:
		return true
	}
	return false
}

// Observation is one decoded channel reading emitted by the pipeline.
// Counter devices populate RawWords/RawCounter, scales RawFrame/Weight.
type Observation struct {
	DeviceID            string
	ChannelNumber       int
	Timestamp           time.Time
	AcquisitionDuration time.Duration

	RawWords   []uint16
	RawFrame   string
	RawCounter uint64

	// Value is the scaled numeric reading (counter raw*scale+offset, or the
	// weight as a float). Weight carries the exact decimal for scales.
	Value  float64
	Weight *decimal.Decimal
	Unit   string

	// Rate is units per second over the configured window; nil until the
	// rate tracker has enough history.
	Rate *float64

	Quality Quality

	// Stable is set for scale readings only.
	Stable *bool

	Tags map[string]string
}

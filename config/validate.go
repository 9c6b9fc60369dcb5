package config

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fieldpoll/fieldpoll/model"
)

const (
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = 5 * time.Minute
)

// ConfigurationError locates one invalid field.
type ConfigurationError struct {
	Path    string
	Message string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Unwrap ties every field error to the configuration_invalid kind.
func (e ConfigurationError) Unwrap() error {
	return model.ErrConfigurationInvalid
}

// Validate checks the whole configuration set. All problems are reported,
// not just the first.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.Engine.MaxConcurrentDevices < 1 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: "engine.max_concurrent_devices", Message: "must be >= 1",
		})
	}
	if c.Engine.RateWindowSec < 1 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: "engine.rate_window_sec", Message: "must be >= 1",
		})
	}
	if c.TSDB.URL != "" {
		if c.TSDB.WriteBatchSize < 1 {
			errs = multierror.Append(errs, ConfigurationError{
				Path: "tsdb.write_batch_size", Message: "must be >= 1",
			})
		}
		if c.TSDB.BufferCap < c.TSDB.WriteBatchSize {
			errs = multierror.Append(errs, ConfigurationError{
				Path: "tsdb.buffer_cap", Message: "must be >= write_batch_size",
			})
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		path := fmt.Sprintf("devices[%d]", i)
		if seen[d.DeviceID] {
			errs = multierror.Append(errs, ConfigurationError{
				Path:    path + ".device_id",
				Message: fmt.Sprintf("duplicate device_id %q", d.DeviceID),
			})
		}
		seen[d.DeviceID] = true
		if err := ValidateDevice(d); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// ValidateDevice checks one device configuration in isolation.
func ValidateDevice(d DeviceConfig) error {
	var errs *multierror.Error
	path := "device." + d.DeviceID

	if n := len(d.DeviceID); n < 1 || n > 50 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".device_id", Message: "must be 1..50 characters",
		})
	}
	switch d.Kind {
	case KindCounterModbusTCP, KindScaleTCPSerial:
	default:
		errs = multierror.Append(errs, ConfigurationError{
			Path:    path + ".kind",
			Message: fmt.Sprintf("unknown kind %q", d.Kind),
		})
	}
	if ip := net.ParseIP(d.Host); ip == nil || ip.To4() == nil {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".host", Message: "must be a dotted IPv4 address",
		})
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".port", Message: "must be 1..65535",
		})
	}
	if d.Kind == KindCounterModbusTCP && (d.UnitID < 1 || d.UnitID > 255) {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".unit_id", Message: "must be 1..255",
		})
	}
	if iv := d.PollInterval(); iv < minPollInterval || iv > maxPollInterval {
		errs = multierror.Append(errs, ConfigurationError{
			Path:    path + ".poll_interval_ms",
			Message: "must be between 100ms and 5m",
		})
	}
	// Equal intervals leave no room for a read to finish.
	if d.PollInterval() <= d.ReadTimeout() {
		errs = multierror.Append(errs, ConfigurationError{
			Path:    path + ".poll_interval_ms",
			Message: "must be greater than read_timeout_ms",
		})
	}
	if d.MaxRetries < 1 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".max_retries", Message: "must be >= 1",
		})
	}
	if d.Kind != KindScaleTCPSerial && d.ForcedProtocolTemplateID != "" {
		errs = multierror.Append(errs, ConfigurationError{
			Path:    path + ".forced_protocol_template_id",
			Message: "only valid for scale devices",
		})
	}

	if len(d.Channels) == 0 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".channels", Message: "at least one channel required",
		})
	}
	enabled := 0
	chSeen := make(map[int]bool, len(d.Channels))
	for j, ch := range d.Channels {
		chPath := fmt.Sprintf("%s.channels[%d]", path, j)
		if ch.ChannelNumber < 0 {
			errs = multierror.Append(errs, ConfigurationError{
				Path: chPath + ".channel_number", Message: "must be >= 0",
			})
		}
		if chSeen[ch.ChannelNumber] {
			errs = multierror.Append(errs, ConfigurationError{
				Path:    chPath + ".channel_number",
				Message: fmt.Sprintf("duplicate channel number %d", ch.ChannelNumber),
			})
		}
		chSeen[ch.ChannelNumber] = true
		if ch.Enabled {
			enabled++
		}
		if d.Kind == KindCounterModbusTCP {
			switch ch.RegisterCount {
			case 1, 2, 4:
			default:
				errs = multierror.Append(errs, ConfigurationError{
					Path: chPath + ".register_count", Message: "must be 1, 2, or 4",
				})
			}
			if ch.MinValue > ch.MaxValue {
				errs = multierror.Append(errs, ConfigurationError{
					Path: chPath + ".min_value", Message: "must be <= max_value",
				})
			}
		}
		if d.Kind == KindScaleTCPSerial {
			if ch.Capacity < 0 {
				errs = multierror.Append(errs, ConfigurationError{
					Path: chPath + ".capacity", Message: "must be >= 0",
				})
			}
			if ch.Resolution < 0 {
				errs = multierror.Append(errs, ConfigurationError{
					Path: chPath + ".resolution", Message: "must be >= 0",
				})
			}
		}
	}
	if len(d.Channels) > 0 && enabled == 0 {
		errs = multierror.Append(errs, ConfigurationError{
			Path: path + ".channels", Message: "at least one channel must be enabled",
		})
	}
	return errs.ErrorOrNil()
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// DeviceKind selects the acquisition path for a device.
type DeviceKind string

const (
	KindCounterModbusTCP DeviceKind = "counter_modbus_tcp"
	KindScaleTCPSerial   DeviceKind = "scale_tcp_serial"
)

// Config is the full daemon configuration. Durations are milliseconds in
// YAML; the helper methods convert.
type Config struct {
	Engine  EngineConfig      `yaml:"engine"`
	TSDB    TSDBConfig        `yaml:"tsdb"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Tags    map[string]string `yaml:"tags"`
	Devices []DeviceConfig    `yaml:"devices"`
}

// EngineConfig holds fleet-wide engine knobs.
type EngineConfig struct {
	MaxConcurrentDevices int `yaml:"max_concurrent_devices"`
	RateWindowSec        int `yaml:"rate_window_sec"`
	MinRateSampleSpanMs  int `yaml:"min_rate_sample_span_ms"`
	SubscriberQueue      int `yaml:"subscriber_queue"`
	StopGraceMs          int `yaml:"stop_grace_ms"`
}

// RateWindow returns the rate computation window.
func (e EngineConfig) RateWindow() time.Duration {
	return time.Duration(e.RateWindowSec) * time.Second
}

// MinRateSampleSpan returns the minimum sample span for rate reporting.
func (e EngineConfig) MinRateSampleSpan() time.Duration {
	return time.Duration(e.MinRateSampleSpanMs) * time.Millisecond
}

// StopGrace returns the per-worker stop grace window.
func (e EngineConfig) StopGrace() time.Duration {
	return time.Duration(e.StopGraceMs) * time.Millisecond
}

// TSDBConfig configures the time-series backend. An empty URL disables
// writing (the null writer is used).
type TSDBConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	WriteBatchSize  int    `yaml:"write_batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	BufferCap       int    `yaml:"buffer_cap"`
	MaxRetries      int    `yaml:"max_retries"`
}

// FlushInterval returns the time-based flush trigger.
func (t TSDBConfig) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalMs) * time.Millisecond
}

// MetricsConfig configures the self-metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DeviceConfig describes one field device. Values are immutable once handed
// to the engine; updates replace the whole config.
type DeviceConfig struct {
	DeviceID string     `yaml:"device_id"`
	Kind     DeviceKind `yaml:"kind"`

	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UnitID int    `yaml:"unit_id"`

	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int `yaml:"read_timeout_ms"`
	RetryDelayMs     int `yaml:"retry_delay_ms"`
	MaxRetries       int `yaml:"max_retries"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`

	// Socket buffer sizes in bytes; 0 keeps the OS default.
	RecvBufferBytes int `yaml:"recv_buffer_bytes"`
	SendBufferBytes int `yaml:"send_buffer_bytes"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// ForcedProtocolTemplateID skips discovery for scales.
	ForcedProtocolTemplateID string `yaml:"forced_protocol_template_id"`

	Channels []ChannelConfig   `yaml:"channels"`
	Tags     map[string]string `yaml:"tags"`
}

// ConnectTimeout returns the per-connect timeout.
func (d DeviceConfig) ConnectTimeout() time.Duration {
	return time.Duration(d.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the per-read timeout.
func (d DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMs) * time.Millisecond
}

// RetryDelay returns the delay between transport reconnect attempts.
func (d DeviceConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMs) * time.Millisecond
}

// PollInterval returns the target period between cycle starts.
func (d DeviceConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// Addr returns the host:port endpoint string.
func (d DeviceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// EnabledChannels returns the enabled channels in configured order.
func (d DeviceConfig) EnabledChannels() []ChannelConfig {
	var out []ChannelConfig
	for _, ch := range d.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// ChannelConfig describes one channel of a device. Counter fields apply to
// counter_modbus_tcp devices, scale fields to scale_tcp_serial.
type ChannelConfig struct {
	ChannelNumber int  `yaml:"channel_number"`
	Enabled       bool `yaml:"enabled"`

	// Counter
	StartRegister     uint16  `yaml:"start_register"`
	RegisterCount     int     `yaml:"register_count"`
	MinValue          float64 `yaml:"min_value"`
	MaxValue          float64 `yaml:"max_value"`
	MaxRateOfChange   float64 `yaml:"max_rate_of_change"`
	OverflowThreshold uint64  `yaml:"overflow_threshold"`
	ScaleFactor       float64 `yaml:"scale_factor"`
	Offset            float64 `yaml:"offset"`
	DecimalPlaces     int     `yaml:"decimal_places"`

	// Scale
	Unit               string  `yaml:"unit"`
	StabilityTolerance float64 `yaml:"stability_tolerance"`
	Capacity           float64 `yaml:"capacity"`
	Resolution         float64 `yaml:"resolution"`
}

// Default returns a config with engine and writer defaults filled in.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrentDevices: 10,
			RateWindowSec:        60,
			MinRateSampleSpanMs:  1000,
			SubscriberQueue:      1024,
			StopGraceMs:          5000,
		},
		TSDB: TSDBConfig{
			WriteBatchSize:  100,
			FlushIntervalMs: 1000,
			BufferCap:       10000,
			MaxRetries:      3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9290",
		},
	}
}

// ApplyDeviceDefaults fills zero-valued per-device knobs.
func ApplyDeviceDefaults(d *DeviceConfig) {
	if d.ConnectTimeoutMs == 0 {
		d.ConnectTimeoutMs = 3000
	}
	if d.ReadTimeoutMs == 0 {
		d.ReadTimeoutMs = 1000
	}
	if d.RetryDelayMs == 0 {
		d.RetryDelayMs = 500
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.PollIntervalMs == 0 {
		d.PollIntervalMs = 5000
	}
	if d.MaxConsecutiveFailures == 0 {
		d.MaxConsecutiveFailures = 3
	}
	for i := range d.Channels {
		ch := &d.Channels[i]
		if d.Kind == KindCounterModbusTCP && ch.RegisterCount == 0 {
			ch.RegisterCount = 1
		}
		if ch.ScaleFactor == 0 {
			ch.ScaleFactor = 1
		}
	}
}

// Load reads, decodes, defaults, and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Devices {
		ApplyDeviceDefaults(&cfg.Devices[i])
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/protocol"
	"github.com/fieldpoll/fieldpoll/retry"
	"github.com/fieldpoll/fieldpoll/transport"
)

// reading is one raw channel acquisition before quality assessment.
type reading struct {
	words      []uint16
	frame      string
	rawCounter uint64

	// raw is the pre-scaling value the validation rules run against.
	raw   float64
	value float64

	weight *decimal.Decimal
	unit   string
	stable *bool

	duration time.Duration
}

// driver acquires raw readings from one device. Implementations are owned by
// a single worker goroutine.
type driver interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, ch config.ChannelConfig) (reading, error)
	Connected() bool
	TemplateID() string
	Close() error
}

// newDriver builds the driver for a device config. The scheduler holds this
// as a factory field so worker tests can substitute fakes.
func newDriver(cfg config.DeviceConfig, catalog *protocol.Catalog, log *zap.Logger) (driver, error) {
	switch cfg.Kind {
	case config.KindCounterModbusTCP:
		return newCounterDriver(cfg, log), nil
	case config.KindScaleTCPSerial:
		return newScaleDriver(cfg, catalog, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown device kind %q", model.ErrConfigurationInvalid, cfg.Kind)
	}
}

// counterDriver reads pulse counter registers over Modbus/TCP.
type counterDriver struct {
	cfg    config.DeviceConfig
	client *transport.ModbusClient
}

func newCounterDriver(cfg config.DeviceConfig, log *zap.Logger) *counterDriver {
	return &counterDriver{
		cfg: cfg,
		client: transport.NewModbusClient(transport.ModbusConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			UnitID:         uint8(cfg.UnitID),
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			RetryDelay:     cfg.RetryDelay(),
			MaxRetries:     cfg.MaxRetries,
			RecvBuffer:     cfg.RecvBufferBytes,
			SendBuffer:     cfg.SendBufferBytes,
		}, log.With(zap.String("device", cfg.DeviceID))),
	}
}

func (d *counterDriver) Connect(ctx context.Context) error { return d.client.Connect(ctx) }
func (d *counterDriver) Connected() bool                   { return d.client.Connected() }
func (d *counterDriver) TemplateID() string                { return "" }
func (d *counterDriver) Close() error                      { return d.client.Close() }

func (d *counterDriver) Read(ctx context.Context, ch config.ChannelConfig) (reading, error) {
	res, err := d.client.ReadRegisters(ctx, ch.StartRegister, uint16(ch.RegisterCount))
	if err != nil {
		return reading{duration: res.Duration}, err
	}
	raw, value, err := decodeCounter(res.Words, ch)
	if err != nil {
		return reading{words: res.Words, duration: res.Duration}, err
	}
	return reading{
		words:      res.Words,
		rawCounter: raw,
		raw:        float64(raw),
		value:      value,
		duration:   res.Duration,
	}, nil
}

// scaleDriver reads weight frames from a serial scale behind a TCP device
// server. The protocol template is resolved once per connection: forced by
// config, or discovered in-band on the worker's own connection.
type scaleDriver struct {
	cfg     config.DeviceConfig
	log     *zap.Logger
	client  *transport.TCPClient
	catalog *protocol.Catalog
	disc    *protocol.Discoverer
	policy  retry.Policy

	tpl *model.ProtocolTemplate

	// lastWeight backs the stability tolerance check per channel.
	lastWeight map[int]float64
}

func newScaleDriver(cfg config.DeviceConfig, catalog *protocol.Catalog, log *zap.Logger) *scaleDriver {
	log = log.With(zap.String("device", cfg.DeviceID))
	return &scaleDriver{
		cfg: cfg,
		log: log,
		client: transport.NewTCPClient(transport.TCPConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			RecvBuffer:     cfg.RecvBufferBytes,
			SendBuffer:     cfg.SendBufferBytes,
		}, log),
		catalog: catalog,
		disc:    protocol.NewDiscoverer(catalog, log),
		// max_retries counts attempts in total; the executor counts
		// retries after the first attempt.
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries - 1,
			BaseDelay:   cfg.RetryDelay(),
			MaxDelay:    cfg.RetryDelay(),
			Strategy:    retry.StrategyFixed,
		},
		lastWeight: make(map[int]float64),
	}
}

func (d *scaleDriver) Connect(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		return err
	}
	return d.resolveTemplate(ctx)
}

func (d *scaleDriver) resolveTemplate(ctx context.Context) error {
	if d.tpl != nil {
		return nil
	}
	if id := d.cfg.ForcedProtocolTemplateID; id != "" {
		tpl, ok := d.catalog.Get(id)
		if !ok {
			return fmt.Errorf("%w: unknown protocol template %q", model.ErrConfigurationInvalid, id)
		}
		d.tpl = &tpl
		return nil
	}
	tpl, err := d.disc.DiscoverConn(ctx, d.client)
	if err != nil {
		return err
	}
	d.tpl = tpl
	return nil
}

func (d *scaleDriver) Connected() bool { return d.client.Connected() }

func (d *scaleDriver) TemplateID() string {
	if d.tpl == nil {
		return ""
	}
	return d.tpl.ID
}

func (d *scaleDriver) Close() error { return d.client.Close() }

func (d *scaleDriver) Read(ctx context.Context, ch config.ChannelConfig) (reading, error) {
	began := time.Now()
	if !d.client.Connected() || d.tpl == nil {
		if err := d.Connect(ctx); err != nil {
			return reading{duration: time.Since(began)}, err
		}
	}
	tpl := *d.tpl

	res := retry.Execute(ctx, d.policy, func(ctx context.Context) (string, error) {
		cmd := append(append([]byte{}, tpl.Commands[0]...), '\r', '\n')
		resp, err := d.client.SendReceive(ctx, cmd, d.cfg.ReadTimeout())
		if err != nil {
			return "", err
		}
		return string(resp), nil
	})
	if res.Err != nil {
		return reading{duration: time.Since(began)}, res.Err
	}

	places := ch.DecimalPlaces
	if places <= 0 {
		places = resolutionPlaces(ch.Resolution)
	}
	wr, err := protocol.DecodeWeight(tpl, res.Value, places)
	if err != nil {
		return reading{frame: res.Value, duration: time.Since(began)}, err
	}

	w, _ := wr.Value.Float64()
	stable := wr.Stable
	if tol := ch.StabilityTolerance; tol > 0 {
		if last, ok := d.lastWeight[ch.ChannelNumber]; ok && math.Abs(w-last) > tol {
			stable = false
		}
	}
	d.lastWeight[ch.ChannelNumber] = w

	unit := wr.Unit
	if unit == "" {
		unit = ch.Unit
	}
	weight := wr.Value
	return reading{
		frame:    res.Value,
		raw:      w,
		value:    roundTo(w*ch.ScaleFactor+ch.Offset, places),
		weight:   &weight,
		unit:     unit,
		stable:   &stable,
		duration: time.Since(began),
	}, nil
}

// resolutionPlaces derives display precision from the scale's resolution
// step: 0.01 kg reads to 2 decimals. Unconfigured resolutions keep 3.
func resolutionPlaces(res float64) int {
	if res <= 0 {
		return 3
	}
	places := 0
	for res < 1 && places < 6 {
		res *= 10
		places++
	}
	return places
}

// Package engine implements the acquisition engine: per-device polling
// workers, the observation pipeline, health tracking, broadcast streams,
// and the time-series writer feed.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/protocol"
	"github.com/fieldpoll/fieldpoll/tsdb"
)

// Options customizes engine construction. Zero values select defaults.
type Options struct {
	Logger  *zap.Logger
	Writer  tsdb.Writer
	Catalog *protocol.Catalog
}

// Engine is the embeddable acquisition engine handle. All methods are safe
// for concurrent use.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *Metrics
	catalog *protocol.Catalog
	writer  tsdb.Writer

	obsBus    *fanout[model.Observation]
	healthBus *fanout[model.DeviceHealth]
	tracker   *healthTracker
	sched     *scheduler

	mu         sync.Mutex
	running    bool
	writerSub  *Subscription[model.Observation]
	writerDone chan struct{}
}

// New builds an engine from a validated-on-start configuration.
func New(cfg config.Config, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = protocol.NewCatalog()
	}

	metrics := newMetrics()
	e := &Engine{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		catalog: catalog,
	}
	e.obsBus = newFanout[model.Observation](nil, func() {
		metrics.BusDropped.WithLabelValues("observations").Inc()
	})
	e.healthBus = newFanout(func(h model.DeviceHealth) string { return h.DeviceID }, func() {
		metrics.BusDropped.WithLabelValues("health").Inc()
	})
	e.tracker = newHealthTracker(log)

	e.writer = opts.Writer
	if e.writer == nil {
		if cfg.TSDB.URL == "" {
			e.writer = tsdb.NewNullWriter()
		} else {
			e.writer = tsdb.NewInfluxWriter(cfg.TSDB, tsdb.Stats{
				Buffered: func(n int) { metrics.WriterBuffered.Set(float64(n)) },
				Dropped:  func(n int) { metrics.WriterDropped.Add(float64(n)) },
			}, log)
		}
	}

	e.sched = newScheduler(workerDeps{
		log:        log,
		gate:       semaphore.NewWeighted(int64(cfg.Engine.MaxConcurrentDevices)),
		obsBus:     e.obsBus,
		healthBus:  e.healthBus,
		tracker:    e.tracker,
		metrics:    metrics,
		rateWindow: cfg.Engine.RateWindow(),
		minSpan:    cfg.Engine.MinRateSampleSpan(),
		globalTags: cfg.Tags,
	}, catalog)
	return e
}

// Start validates the configuration, spawns one worker per device, and
// begins feeding the writer. It returns once all workers are launched;
// connecting happens on each worker's first cycle.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("%w: engine already started", model.ErrInternal)
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	sub := e.obsBus.subscribe(e.cfg.Engine.SubscriberQueue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for obs := range sub.C {
			e.writer.Write(obs)
		}
	}()
	e.writerSub = sub
	e.writerDone = done

	for _, d := range e.cfg.Devices {
		if err := e.sched.add(d); err != nil {
			// Reject without side effects: unwind anything started.
			e.sched.stopAll(e.cfg.Engine.StopGrace())
			sub.Cancel()
			<-done
			e.writerSub = nil
			return err
		}
	}
	e.running = true
	e.log.Info("engine started", zap.Int("devices", e.sched.count()))
	return nil
}

// Stop winds the engine down: workers get the grace window, streams
// complete, and the writer makes a final bounded flush.
func (e *Engine) Stop(grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return model.ErrNotRunning
	}
	if grace <= 0 {
		grace = e.cfg.Engine.StopGrace()
	}

	e.sched.stopAll(grace)
	if e.writerSub != nil {
		e.writerSub.Cancel()
		<-e.writerDone
		e.writerSub = nil
	}
	e.obsBus.close()
	e.healthBus.close()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := e.writer.Close(ctx)

	e.running = false
	e.log.Info("engine stopped")
	return err
}

// IsRunning reports whether Start has succeeded and Stop has not.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// AddDevice spawns a worker for a new device at runtime.
func (e *Engine) AddDevice(cfg config.DeviceConfig) error {
	if !e.IsRunning() {
		return model.ErrNotRunning
	}
	return e.sched.add(cfg)
}

// RemoveDevice stops and forgets a device.
func (e *Engine) RemoveDevice(deviceID string) error {
	if !e.IsRunning() {
		return model.ErrNotRunning
	}
	return e.sched.remove(deviceID, e.cfg.Engine.StopGrace(), false)
}

// UpdateDevice replaces a device's configuration, recreating its worker.
// Lifetime read counters carry over.
func (e *Engine) UpdateDevice(cfg config.DeviceConfig) error {
	if !e.IsRunning() {
		return model.ErrNotRunning
	}
	return e.sched.update(cfg, e.cfg.Engine.StopGrace())
}

// DeviceHealth returns the current snapshot for one device.
func (e *Engine) DeviceHealth(deviceID string) (model.DeviceHealth, bool) {
	return e.tracker.Get(deviceID)
}

// AllDeviceHealth returns snapshots for the whole fleet.
func (e *Engine) AllDeviceHealth() []model.DeviceHealth {
	return e.tracker.All()
}

// Observations opens a subscription to the observation stream.
func (e *Engine) Observations() *Subscription[model.Observation] {
	return e.obsBus.subscribe(e.cfg.Engine.SubscriberQueue)
}

// HealthStream opens a subscription to the health snapshot stream.
func (e *Engine) HealthStream() *Subscription[model.DeviceHealth] {
	return e.healthBus.subscribe(e.cfg.Engine.SubscriberQueue)
}

// ReadNow triggers an immediate poll cycle on one device and returns its
// observations.
func (e *Engine) ReadNow(ctx context.Context, deviceID string) ([]model.Observation, error) {
	if !e.IsRunning() {
		return nil, model.ErrNotRunning
	}
	return e.sched.readNow(ctx, deviceID)
}

// DiscoverProtocol scans the template catalog against a live scale.
func (e *Engine) DiscoverProtocol(ctx context.Context, host string, port int) (*model.ProtocolTemplate, error) {
	return protocol.NewDiscoverer(e.catalog, e.log).Discover(ctx, host, port)
}

// Healthy composes engine liveness with the writer's backend health.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.IsRunning() && e.writer.Healthy(ctx)
}

// Metrics exposes the engine's registry for an HTTP exporter.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// ConnectivityTestResult reports a one-shot device probe.
type ConnectivityTestResult struct {
	Success            bool
	Duration           time.Duration
	WorkingProtocol    string
	SampleObservations []model.Observation
	Diagnostics        []string
}

// TestConnectivity probes a device config outside the fleet: connect, read
// each enabled channel once, report what happened. The fleet is untouched.
func (e *Engine) TestConnectivity(ctx context.Context, cfg config.DeviceConfig) ConnectivityTestResult {
	began := time.Now()
	res := ConnectivityTestResult{}

	config.ApplyDeviceDefaults(&cfg)
	if err := config.ValidateDevice(cfg); err != nil {
		res.Duration = time.Since(began)
		res.Diagnostics = append(res.Diagnostics, "invalid configuration: "+err.Error())
		return res
	}

	drv, err := newDriver(cfg, e.catalog, e.log)
	if err != nil {
		res.Duration = time.Since(began)
		res.Diagnostics = append(res.Diagnostics, err.Error())
		return res
	}
	defer drv.Close()

	if err := drv.Connect(ctx); err != nil {
		res.Duration = time.Since(began)
		res.Diagnostics = append(res.Diagnostics, "connect failed: "+err.Error())
		return res
	}
	res.Diagnostics = append(res.Diagnostics, "connected to "+cfg.Addr())
	if tpl := drv.TemplateID(); tpl != "" {
		res.WorkingProtocol = tpl
		res.Diagnostics = append(res.Diagnostics, "protocol: "+tpl)
	}

	ok := 0
	for _, ch := range cfg.EnabledChannels() {
		r, err := drv.Read(ctx, ch)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("channel %d read failed: %v", ch.ChannelNumber, err))
			continue
		}
		ok++
		res.SampleObservations = append(res.SampleObservations, model.Observation{
			DeviceID:            cfg.DeviceID,
			ChannelNumber:       ch.ChannelNumber,
			Timestamp:           time.Now(),
			AcquisitionDuration: r.duration,
			RawWords:            r.words,
			RawFrame:            r.frame,
			RawCounter:          r.rawCounter,
			Value:               r.value,
			Weight:              r.weight,
			Unit:                r.unit,
			Stable:              r.stable,
			Quality:             assessQuality(ch, r.raw, r.rawCounter, nil),
			Tags:                identityTags(mergeTags(e.cfg.Tags, cfg.Tags), cfg.DeviceID, ch.ChannelNumber),
		})
	}
	res.Success = ok > 0
	res.Duration = time.Since(began)
	return res
}

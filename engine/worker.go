package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
)

// worker owns one device: its driver, its rate histories, and its poll loop.
// The loop is the only goroutine touching the transport, which gives the
// at-most-one-in-flight guarantee for free.
type worker struct {
	cfg config.DeviceConfig
	drv driver
	log *zap.Logger

	gate      *semaphore.Weighted
	obsBus    *fanout[model.Observation]
	healthBus *fanout[model.DeviceHealth]
	tracker   *healthTracker
	metrics   *Metrics

	rateWindow time.Duration
	minSpan    time.Duration
	tags       map[string]string

	rates map[int]*rateTracker

	readNow chan chan []model.Observation
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newWorker(cfg config.DeviceConfig, drv driver, deps workerDeps) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		cfg:        cfg,
		drv:        drv,
		log:        deps.log.With(zap.String("device", cfg.DeviceID)),
		gate:       deps.gate,
		obsBus:     deps.obsBus,
		healthBus:  deps.healthBus,
		tracker:    deps.tracker,
		metrics:    deps.metrics,
		rateWindow: deps.rateWindow,
		minSpan:    deps.minSpan,
		tags:       mergeTags(deps.globalTags, cfg.Tags),
		rates:      make(map[int]*rateTracker),
		readNow:    make(chan chan []model.Observation),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// workerDeps bundles the engine-owned collaborators handed to every worker.
type workerDeps struct {
	log        *zap.Logger
	gate       *semaphore.Weighted
	obsBus     *fanout[model.Observation]
	healthBus  *fanout[model.DeviceHealth]
	tracker    *healthTracker
	metrics    *Metrics
	rateWindow time.Duration
	minSpan    time.Duration
	globalTags map[string]string
}

func mergeTags(global, device map[string]string) map[string]string {
	if len(global) == 0 && len(device) == 0 {
		return nil
	}
	out := make(map[string]string, len(global)+len(device))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range device {
		out[k] = v
	}
	return out
}

// run is the worker goroutine. Cycles are scheduled from cycle start, so the
// period stays stable under per-cycle jitter; an overrunning cycle skips the
// missed ticks rather than bunching them up.
func (w *worker) run() {
	defer close(w.done)
	defer w.drv.Close()

	interval := w.cfg.PollInterval()
	timer := time.NewTimer(0) // first cycle immediately
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.terminate()
			return
		case reply := <-w.readNow:
			reply <- w.cycle()
			continue
		case <-timer.C:
		}

		start := time.Now()
		w.cycle()
		elapsed := time.Since(start)

		wait := interval - elapsed
		if wait <= 0 {
			// Skip the ticks the overrun swallowed; stay phase-aligned
			// with the cycle start.
			wait = interval - elapsed%interval
			w.log.Warn("poll cycle overran interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", interval))
		}
		timer.Reset(wait)
	}
}

// cycle runs one acquisition pass over all enabled channels and folds the
// result into health. It returns the observations it published.
func (w *worker) cycle() []model.Observation {
	if err := w.gate.Acquire(w.ctx, 1); err != nil {
		return nil
	}
	defer w.gate.Release(1)

	began := time.Now()
	channels := w.cfg.EnabledChannels()
	observations := make([]model.Observation, 0, len(channels))

	out := model.PollOutcome{DeviceID: w.cfg.DeviceID, ConfigFailure: true}
	cancelled := false
	for _, ch := range channels {
		var o model.Observation
		if cancelled {
			// The stop arrived mid-cycle; flush the channels this cycle
			// never reached.
			o = w.failureObservation(ch, model.QualityDeviceFailure, 0)
			out.Failures++
			out.ConfigFailure = false
		} else {
			var readErr error
			var configErr bool
			o, readErr, configErr = w.readChannel(ch)
			if readErr != nil {
				out.Failures++
				out.Errors = append(out.Errors,
					"channel "+strconv.Itoa(ch.ChannelNumber)+": "+readErr.Error())
				if !configErr {
					out.ConfigFailure = false
				}
			} else {
				out.Successes++
			}
			if w.ctx.Err() != nil {
				cancelled = true
			}
		}
		observations = append(observations, o)
		w.obsBus.publish(o)
		w.metrics.ObservationsTotal.WithLabelValues(w.cfg.DeviceID, string(o.Quality)).Inc()
	}
	if out.Failures == 0 {
		out.ConfigFailure = false
	}

	out.Duration = time.Since(began)
	out.Overran = out.Duration > w.cfg.PollInterval()
	out.Connected = w.drv.Connected()
	out.TemplateID = w.drv.TemplateID()

	result := "ok"
	switch {
	case out.Successes == 0 && out.Failures > 0:
		result = "failed"
	case out.Failures > 0:
		result = "partial"
	}
	w.metrics.PollsTotal.WithLabelValues(w.cfg.DeviceID, result).Inc()
	w.metrics.PollDuration.WithLabelValues(w.cfg.DeviceID).Observe(out.Duration.Seconds())

	w.publishHealth(out)
	return observations
}

// readChannel acquires, decodes, rate-enriches, and quality-tags one channel.
// The last return reports whether a failure was configuration-level.
func (w *worker) readChannel(ch config.ChannelConfig) (model.Observation, error, bool) {
	r, err := w.drv.Read(w.ctx, ch)
	if err != nil {
		q, configErr := errorQuality(err)
		w.log.Debug("channel read failed",
			zap.Int("channel", ch.ChannelNumber), zap.Error(err))
		return w.failureObservation(ch, q, r.duration), err, configErr
	}

	o := model.Observation{
		DeviceID:            w.cfg.DeviceID,
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
		Tags:                identityTags(w.tags, w.cfg.DeviceID, ch.ChannelNumber),
	}
	o.Rate = w.rateFor(ch).Add(o.Timestamp, r.raw)
	o.Quality = assessQuality(ch, r.raw, r.rawCounter, o.Rate)
	return o, nil, false
}

func (w *worker) failureObservation(ch config.ChannelConfig, q model.Quality, d time.Duration) model.Observation {
	return model.Observation{
		DeviceID:            w.cfg.DeviceID,
		ChannelNumber:       ch.ChannelNumber,
		Timestamp:           time.Now(),
		AcquisitionDuration: d,
		Quality:             q,
		Tags:                identityTags(w.tags, w.cfg.DeviceID, ch.ChannelNumber),
	}
}

// identityTags copies base and injects the engine-owned identity tags, so
// every observation's tag set is self-describing for downstream sinks.
func identityTags(base map[string]string, deviceID string, channel int) map[string]string {
	tags := make(map[string]string, len(base)+2)
	for k, v := range base {
		tags[k] = v
	}
	tags["device_id"] = deviceID
	tags["channel"] = strconv.Itoa(channel)
	return tags
}

// errorQuality maps an acquisition error to an observation quality and
// reports whether it is configuration-level.
func errorQuality(err error) (model.Quality, bool) {
	switch {
	case errors.Is(err, model.ErrCancelled), errors.Is(err, model.ErrReadTimeout):
		return model.QualityTimeout, false
	case errors.Is(err, model.ErrDecodeFailed),
		errors.Is(err, model.ErrPatternNoMatch),
		errors.Is(err, model.ErrConfigurationInvalid):
		return model.QualityConfigError, true
	default:
		return model.QualityDeviceFailure, false
	}
}

func (w *worker) rateFor(ch config.ChannelConfig) *rateTracker {
	t, ok := w.rates[ch.ChannelNumber]
	if !ok {
		registers := 0
		if w.cfg.Kind == config.KindCounterModbusTCP {
			registers = ch.RegisterCount
		}
		t = newRateTracker(w.rateWindow, w.minSpan, registers)
		w.rates[ch.ChannelNumber] = t
	}
	return t
}

func (w *worker) publishHealth(out model.PollOutcome) {
	h, ok := w.tracker.Apply(out, w.cfg.MaxConsecutiveFailures)
	if !ok {
		return
	}
	w.healthBus.publish(h)
}

// terminate emits the final offline health record.
func (w *worker) terminate() {
	w.publishHealth(model.PollOutcome{
		DeviceID: w.cfg.DeviceID,
		Terminal: true,
	})
	w.log.Debug("worker stopped")
}

// stop signals the loop; the caller waits on done.
func (w *worker) stop() { w.cancel() }

// requestReadNow asks the loop for an immediate out-of-phase cycle and
// returns its observations. The request queues behind any in-flight cycle.
func (w *worker) requestReadNow(ctx context.Context) ([]model.Observation, error) {
	reply := make(chan []model.Observation, 1)
	select {
	case w.readNow <- reply:
	case <-w.done:
		return nil, model.ErrNotRunning
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
	select {
	case obs := <-reply:
		return obs, nil
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
}

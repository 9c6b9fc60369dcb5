// Package tsdb persists observations as time-series points.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/retry"
)

const measurement = "observations"

// Writer is the sink for the observation pipeline. Write never blocks the
// caller; delivery is asynchronous and best-effort after retries.
type Writer interface {
	Write(obs model.Observation)
	Flush(ctx context.Context) error
	Healthy(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Stats receives writer internals for instrumentation. Either hook may be
// nil.
type Stats struct {
	Buffered func(n int)
	Dropped  func(n int)
}

// InfluxWriter batches observations into InfluxDB. A bounded in-memory
// buffer absorbs backend outages; when it fills, the oldest points are
// dropped and counted.
type InfluxWriter struct {
	cfg    config.TSDBConfig
	log    *zap.Logger
	stats  Stats
	client influxdb2.Client
	write  api.WriteAPIBlocking

	mu        sync.Mutex
	buffer    []model.Observation
	highWater int
	dropped   uint64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewInfluxWriter connects the writer and starts its drain loop.
func NewInfluxWriter(cfg config.TSDBConfig, stats Stats, log *zap.Logger) *InfluxWriter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := &InfluxWriter{
		cfg:    cfg,
		log:    log,
		stats:  stats,
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.drain()
	return w
}

// Write enqueues one observation. At capacity the oldest buffered point is
// dropped so fresh data always lands.
func (w *InfluxWriter) Write(obs model.Observation) {
	w.mu.Lock()
	if len(w.buffer) >= w.cfg.BufferCap {
		w.buffer = w.buffer[1:]
		w.dropped++
		if w.stats.Dropped != nil {
			w.stats.Dropped(1)
		}
	}
	w.buffer = append(w.buffer, obs)
	n := len(w.buffer)
	if n > w.highWater {
		w.highWater = n
	}
	w.mu.Unlock()

	if w.stats.Buffered != nil {
		w.stats.Buffered(n)
	}
	if n >= w.cfg.WriteBatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// writeAllowance bounds one backend write attempt when sizing the flush
// deadline.
const writeAllowance = 10 * time.Second

// drain flushes on the batch-size kick and on the flush interval, then once
// more with a bound on shutdown. The per-flush deadline is sized so the full
// retry sequence always fits; a deadline shorter than the backoff schedule
// would turn retryable outages into drops.
func (w *InfluxWriter) drain() {
	defer close(w.done)
	policy := w.retryPolicy()
	budget := policy.MaxElapsedDelay() + time.Duration(policy.MaxAttempts+1)*writeAllowance
	ticker := time.NewTicker(w.cfg.FlushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = w.Flush(ctx)
			cancel()
			return
		case <-w.kick:
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		_ = w.Flush(ctx)
		cancel()
	}
}

// retryPolicy maps the config's max_retries (attempts in total) onto the
// executor's retries-after-first accounting.
func (w *InfluxWriter) retryPolicy() retry.Policy {
	retries := w.cfg.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return retry.Policy{
		MaxAttempts:  retries,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Strategy:     retry.StrategyExponential,
		JitterFactor: 0.2,
	}
}

// Flush drains the buffer now. Points that exhaust the retry policy are
// dropped and counted, never re-queued ahead of newer data.
func (w *InfluxWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if w.stats.Buffered != nil {
		w.stats.Buffered(0)
	}

	points := make([]*writePoint, 0, len(batch))
	for i := range batch {
		points = append(points, newPoint(batch[i]))
	}

	res := retry.Execute(ctx, w.retryPolicy(), func(ctx context.Context) (struct{}, error) {
		for _, p := range points {
			if p.written {
				continue
			}
			if err := w.write.WritePoint(ctx, p.point); err != nil {
				return struct{}{}, err
			}
			p.written = true
		}
		return struct{}{}, nil
	})
	if errors.Is(res.Err, model.ErrCancelled) {
		// Cancellation is not exhaustion: put the unwritten tail back so a
		// later flush (or the stop path) retries it.
		w.requeue(batch, points)
		return res.Err
	}
	if res.Err != nil {
		lost := 0
		for _, p := range points {
			if !p.written {
				lost++
			}
		}
		w.mu.Lock()
		w.dropped += uint64(lost)
		w.mu.Unlock()
		if w.stats.Dropped != nil {
			w.stats.Dropped(lost)
		}
		w.log.Warn("writer dropped points after retry exhaustion",
			zap.Int("dropped", lost),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
		return fmt.Errorf("%w: %v", model.ErrBackendWriteFailed, res.Err)
	}
	return nil
}

// requeue puts the unwritten part of a cancelled batch back at the head of
// the buffer, preserving per-channel order. Overflow still drops the oldest.
func (w *InfluxWriter) requeue(batch []model.Observation, points []*writePoint) {
	keep := make([]model.Observation, 0, len(batch))
	for i, p := range points {
		if !p.written {
			keep = append(keep, batch[i])
		}
	}
	w.mu.Lock()
	w.buffer = append(keep, w.buffer...)
	over := len(w.buffer) - w.cfg.BufferCap
	if over > 0 {
		w.buffer = w.buffer[over:]
		w.dropped += uint64(over)
	}
	n := len(w.buffer)
	w.mu.Unlock()

	if over > 0 && w.stats.Dropped != nil {
		w.stats.Dropped(over)
	}
	if w.stats.Buffered != nil {
		w.stats.Buffered(n)
	}
}

type writePoint struct {
	point   *write.Point
	written bool
}

// newPoint serializes one observation.
func newPoint(obs model.Observation) *writePoint {
	tags := map[string]string{
		"device_id": obs.DeviceID,
		"channel":   strconv.Itoa(obs.ChannelNumber),
	}
	for k, v := range obs.Tags {
		tags[k] = v
	}
	fields := map[string]interface{}{
		"raw_value":     float64(obs.RawCounter),
		"decoded_value": obs.Value,
		"quality":       string(obs.Quality),
	}
	if obs.RawFrame != "" && obs.Weight != nil {
		raw, _ := obs.Weight.Float64()
		fields["raw_value"] = raw
	}
	if obs.Rate != nil {
		fields["rate"] = *obs.Rate
	}
	return &writePoint{point: influxdb2.NewPoint(measurement, tags, fields, obs.Timestamp)}
}

// Healthy pings the backend with a short timeout.
func (w *InfluxWriter) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := w.client.Ping(ctx)
	return ok && err == nil
}

// Dropped returns the lifetime count of dropped points; HighWater the
// deepest the buffer has been.
func (w *InfluxWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *InfluxWriter) HighWater() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highWater
}

// Close stops the drain loop, attempts the final flush, and releases the
// client. Idempotent closing is not required; the engine closes once.
func (w *InfluxWriter) Close(ctx context.Context) error {
	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
	}
	w.client.Close()
	return nil
}

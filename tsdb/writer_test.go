package tsdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
)

// fakeWriteAPI captures points and fails on demand.
type fakeWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	calls  int
	err    error
}

func (f *fakeWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, point...)
	return nil
}

func (f *fakeWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return f.err }
func (f *fakeWriteAPI) EnableBatching()                                       {}
func (f *fakeWriteAPI) Flush(ctx context.Context) error                       { return nil }

func testWriter(cfg config.TSDBConfig, api *fakeWriteAPI, stats Stats) *InfluxWriter {
	return &InfluxWriter{
		cfg:   cfg,
		log:   zap.NewNop(),
		stats: stats,
		write: api,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func obsFixture(device string, ch int, value float64) model.Observation {
	return model.Observation{
		DeviceID:      device,
		ChannelNumber: ch,
		Timestamp:     time.Now(),
		RawCounter:    uint64(value),
		Value:         value,
		Quality:       model.QualityGood,
		Tags:          map[string]string{"site": "plant-a"},
	}
}

func TestWriterFlushSerializesPoints(t *testing.T) {
	api := &fakeWriteAPI{}
	w := testWriter(config.TSDBConfig{BufferCap: 100, WriteBatchSize: 10, MaxRetries: 1}, api, Stats{})

	obs := obsFixture("d1", 2, 1000)
	rate := 42.5
	obs.Rate = &rate
	w.Write(obs)

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(api.points) != 1 {
		t.Fatalf("got %d points, want 1", len(api.points))
	}

	p := api.points[0]
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["device_id"] != "d1" || tags["channel"] != "2" || tags["site"] != "plant-a" {
		t.Errorf("tags = %v", tags)
	}
	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["decoded_value"] != float64(1000) {
		t.Errorf("decoded_value = %v", fields["decoded_value"])
	}
	if fields["rate"] != 42.5 {
		t.Errorf("rate = %v", fields["rate"])
	}
	if fields["quality"] != "good" {
		t.Errorf("quality = %v", fields["quality"])
	}
}

func TestWriterDropOldestAtCapacity(t *testing.T) {
	dropped := 0
	api := &fakeWriteAPI{}
	w := testWriter(config.TSDBConfig{BufferCap: 3, WriteBatchSize: 100, MaxRetries: 1}, api,
		Stats{Dropped: func(n int) { dropped += n }})

	for i := 0; i < 5; i++ {
		w.Write(obsFixture("d1", i, float64(i)))
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if w.HighWater() != 3 {
		t.Fatalf("high water = %d, want 3", w.HighWater())
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// Oldest two went; channels 2..4 survive.
	if len(api.points) != 3 {
		t.Fatalf("got %d points, want 3", len(api.points))
	}
}

func TestWriterRetryExhaustionDropsBatch(t *testing.T) {
	dropped := 0
	api := &fakeWriteAPI{err: errors.New("connection refused")}
	w := testWriter(config.TSDBConfig{BufferCap: 100, WriteBatchSize: 10, MaxRetries: 2}, api,
		Stats{Dropped: func(n int) { dropped += n }})

	w.Write(obsFixture("d1", 0, 1))
	w.Write(obsFixture("d1", 1, 2))

	err := w.Flush(context.Background())
	if !errors.Is(err, model.ErrBackendWriteFailed) {
		t.Fatalf("flush error = %v, want backend_write_failed", err)
	}
	// max_retries counts attempts in total.
	if api.calls != 2 {
		t.Fatalf("write attempts = %d, want 2", api.calls)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if w.Dropped() != 2 {
		t.Fatalf("lifetime dropped = %d, want 2", w.Dropped())
	}

	// A later flush with a healthy backend starts clean.
	api.mu.Lock()
	api.err = nil
	api.mu.Unlock()
	w.Write(obsFixture("d1", 2, 3))
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if len(api.points) != 1 {
		t.Fatalf("got %d points, want 1", len(api.points))
	}
}

func TestWriterCancelledFlushRequeuesBatch(t *testing.T) {
	dropped := 0
	api := &fakeWriteAPI{err: errors.New("connection refused")}
	w := testWriter(config.TSDBConfig{BufferCap: 100, WriteBatchSize: 10, MaxRetries: 3}, api,
		Stats{Dropped: func(n int) { dropped += n }})

	w.Write(obsFixture("d1", 0, 1))
	w.Write(obsFixture("d1", 1, 2))

	// The deadline expires during the first backoff delay, well before the
	// retry sequence is exhausted.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Flush(ctx)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("flush error = %v, want cancelled", err)
	}
	if dropped != 0 || w.Dropped() != 0 {
		t.Fatalf("cancelled flush counted drops: stats=%d lifetime=%d", dropped, w.Dropped())
	}

	// The batch survived; a healthy backend gets it on the next flush.
	api.mu.Lock()
	api.err = nil
	api.mu.Unlock()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if len(api.points) != 2 {
		t.Fatalf("got %d points, want 2", len(api.points))
	}
}

func TestWriterFlushBudgetCoversRetrySequence(t *testing.T) {
	w := testWriter(config.TSDBConfig{
		BufferCap: 100, WriteBatchSize: 10, MaxRetries: 3, FlushIntervalMs: 1000,
	}, &fakeWriteAPI{}, Stats{})
	policy := w.retryPolicy()
	if policy.MaxAttempts != 2 {
		t.Fatalf("retries = %d, want 2 (three attempts in total)", policy.MaxAttempts)
	}
	budget := policy.MaxElapsedDelay() + time.Duration(policy.MaxAttempts+1)*writeAllowance
	if budget <= policy.MaxElapsedDelay() {
		t.Fatalf("budget %v leaves no room for the writes themselves", budget)
	}
	// The old per-flush deadline was the flush interval, which with defaults
	// cut the sequence short.
	if budget <= w.cfg.FlushInterval() {
		t.Fatalf("budget %v not larger than flush interval %v", budget, w.cfg.FlushInterval())
	}
}

func TestWriterBatchSizeKick(t *testing.T) {
	api := &fakeWriteAPI{}
	w := testWriter(config.TSDBConfig{BufferCap: 100, WriteBatchSize: 2, MaxRetries: 1}, api, Stats{})

	w.Write(obsFixture("d1", 0, 1))
	select {
	case <-w.kick:
		t.Fatal("kick before batch size reached")
	default:
	}
	w.Write(obsFixture("d1", 1, 2))
	select {
	case <-w.kick:
	default:
		t.Fatal("no kick at batch size")
	}
}

func TestNullWriter(t *testing.T) {
	w := NewNullWriter()
	w.Write(obsFixture("d1", 0, 1))
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !w.Healthy(context.Background()) {
		t.Fatal("null writer should report healthy")
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

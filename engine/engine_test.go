package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/protocol"
	"github.com/fieldpoll/fieldpoll/tsdb"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	e := New(cfg, Options{Logger: zap.NewNop(), Writer: tsdb.NewNullWriter()})
	e.sched.newDriver = func(config.DeviceConfig, *protocol.Catalog, *zap.Logger) (driver, error) {
		return &fakeDriver{steps: [][]uint16{{0x03E8, 0x0000}, {0x07D0, 0x0000}}}, nil
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if e.IsRunning() {
			_ = e.Stop(time.Second)
		}
	})
	return e
}

func validDevice(id string) config.DeviceConfig {
	return config.DeviceConfig{
		DeviceID:       id,
		Kind:           config.KindCounterModbusTCP,
		Host:           "10.0.0.1",
		Port:           502,
		UnitID:         1,
		ReadTimeoutMs:  50,
		PollIntervalMs: 200,
		Channels: []config.ChannelConfig{
			{ChannelNumber: 0, Enabled: true, RegisterCount: 2, MaxValue: 1e12, MaxRateOfChange: 1e9},
		},
	}
}

func TestEngineAddRemoveDevice(t *testing.T) {
	e := testEngine(t)
	health := e.HealthStream()
	defer health.Cancel()

	if err := e.AddDevice(validDevice("d1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Initial seed is unknown; the first cycle follows with online.
	snaps := collect(t, health.C, 2)
	if snaps[0].Status != model.StatusUnknown {
		t.Fatalf("first snapshot = %s, want unknown", snaps[0].Status)
	}
	if snaps[1].Status != model.StatusOnline {
		t.Fatalf("second snapshot = %s, want online", snaps[1].Status)
	}

	if err := e.AddDevice(validDevice("d1")); !errors.Is(err, model.ErrDuplicateDevice) {
		t.Fatalf("duplicate add = %v, want duplicate_device", err)
	}

	if err := e.RemoveDevice("d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := e.DeviceHealth("d1"); ok {
		t.Fatal("removed device still has health")
	}
	if err := e.RemoveDevice("d1"); !errors.Is(err, model.ErrDeviceNotFound) {
		t.Fatalf("second remove = %v, want not_found", err)
	}
}

func TestEngineUpdateCarriesCounters(t *testing.T) {
	e := testEngine(t)
	obs := e.Observations()
	defer obs.Cancel()

	if err := e.AddDevice(validDevice("d1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	collect(t, obs.C, 2)

	before, ok := e.DeviceHealth("d1")
	if !ok || before.TotalReads == 0 {
		t.Fatalf("expected reads before update, got %+v", before)
	}

	updated := validDevice("d1")
	updated.PollIntervalMs = 300
	if err := e.UpdateDevice(updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	after, ok := e.DeviceHealth("d1")
	if !ok {
		t.Fatal("device lost after update")
	}
	if after.TotalReads < before.TotalReads {
		t.Fatalf("counters reset: before=%d after=%d", before.TotalReads, after.TotalReads)
	}
}

func TestEngineReadNow(t *testing.T) {
	e := testEngine(t)
	if err := e.AddDevice(validDevice("d1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	obs, err := e.ReadNow(ctx, "d1")
	if err != nil {
		t.Fatalf("read now: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}

	if _, err := e.ReadNow(ctx, "ghost"); !errors.Is(err, model.ErrDeviceNotFound) {
		t.Fatalf("read now on missing device = %v, want not_found", err)
	}
}

func TestEngineRejectsInvalidDevice(t *testing.T) {
	e := testEngine(t)
	bad := validDevice("d1")
	bad.Host = "not-an-ip"
	if err := e.AddDevice(bad); !errors.Is(err, model.ErrConfigurationInvalid) {
		t.Fatalf("add invalid = %v, want configuration_invalid", err)
	}
	if _, ok := e.DeviceHealth("d1"); ok {
		t.Fatal("invalid add left side effects")
	}
}

func TestEngineStopCompletesStreams(t *testing.T) {
	e := testEngine(t)
	obs := e.Observations()
	health := e.HealthStream()

	if err := e.AddDevice(validDevice("d1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	collect(t, obs.C, 1)

	if err := e.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.IsRunning() {
		t.Fatal("engine still running after stop")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-obs.C:
			if !ok {
				goto healthStream
			}
		case <-deadline:
			t.Fatal("observation stream did not complete")
		}
	}
healthStream:
	for {
		select {
		case _, ok := <-health.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("health stream did not complete")
		}
	}
}

func TestEngineLifecycleGuards(t *testing.T) {
	cfg := config.Default()
	e := New(cfg, Options{Logger: zap.NewNop(), Writer: tsdb.NewNullWriter()})

	if err := e.AddDevice(validDevice("d1")); !errors.Is(err, model.ErrNotRunning) {
		t.Fatalf("add before start = %v, want not_running", err)
	}
	if err := e.Stop(time.Second); !errors.Is(err, model.ErrNotRunning) {
		t.Fatalf("stop before start = %v, want not_running", err)
	}
	if e.IsRunning() {
		t.Fatal("engine reports running before start")
	}
}

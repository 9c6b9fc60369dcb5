package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/protocol"
)

// driverFactory builds a driver for a device; worker tests substitute fakes.
type driverFactory func(cfg config.DeviceConfig, catalog *protocol.Catalog, log *zap.Logger) (driver, error)

// scheduler owns the device-to-worker map. One mutex serializes mutations;
// workers themselves run free of it.
type scheduler struct {
	log       *zap.Logger
	catalog   *protocol.Catalog
	deps      workerDeps
	newDriver driverFactory

	mu      sync.Mutex
	workers map[string]*worker
}

func newScheduler(deps workerDeps, catalog *protocol.Catalog) *scheduler {
	return &scheduler{
		log:       deps.log,
		catalog:   catalog,
		deps:      deps,
		newDriver: newDriver,
		workers:   make(map[string]*worker),
	}
}

// add validates the device, spawns its worker, and seeds an initial unknown
// health record. The worker connects lazily on its first cycle.
func (s *scheduler) add(cfg config.DeviceConfig) error {
	config.ApplyDeviceDefaults(&cfg)
	if err := config.ValidateDevice(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[cfg.DeviceID]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateDevice, cfg.DeviceID)
	}

	drv, err := s.newDriver(cfg, s.catalog, s.log)
	if err != nil {
		return err
	}

	s.deps.tracker.Seed(cfg.DeviceID)
	if h, ok := s.deps.tracker.Get(cfg.DeviceID); ok {
		s.deps.healthBus.publish(h)
	}

	w := newWorker(cfg, drv, s.deps)
	s.workers[cfg.DeviceID] = w
	go w.run()
	s.log.Info("device added",
		zap.String("device", cfg.DeviceID), zap.String("kind", string(cfg.Kind)))
	return nil
}

// remove stops the worker and waits out the grace window. keepStats leaves
// the health entry in place so an update carries its counters over.
func (s *scheduler) remove(deviceID string, grace time.Duration, keepStats bool) error {
	s.mu.Lock()
	w, ok := s.workers[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrDeviceNotFound, deviceID)
	}
	delete(s.workers, deviceID)
	s.mu.Unlock()

	w.stop()
	select {
	case <-w.done:
	case <-time.After(grace):
		s.log.Warn("worker did not stop within grace window",
			zap.String("device", deviceID), zap.Duration("grace", grace))
	}
	if !keepStats {
		s.deps.tracker.Remove(deviceID)
	}
	s.log.Info("device removed", zap.String("device", deviceID))
	return nil
}

// update recreates the worker under a new config, carrying the lifetime
// read counters over.
func (s *scheduler) update(cfg config.DeviceConfig, grace time.Duration) error {
	config.ApplyDeviceDefaults(&cfg)
	if err := config.ValidateDevice(cfg); err != nil {
		return err
	}
	if err := s.remove(cfg.DeviceID, grace, true); err != nil {
		return err
	}
	return s.add(cfg)
}

// readNow triggers an immediate cycle on the device's worker.
func (s *scheduler) readNow(ctx context.Context, deviceID string) ([]model.Observation, error) {
	s.mu.Lock()
	w, ok := s.workers[deviceID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrDeviceNotFound, deviceID)
	}
	return w.requestReadNow(ctx)
}

// stopAll stops every worker concurrently and waits up to grace for each.
func (s *scheduler) stopAll(grace time.Duration) {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, w := range workers {
		wg.Add(1)
		go func(id string, w *worker) {
			defer wg.Done()
			w.stop()
			select {
			case <-w.done:
			case <-time.After(grace):
				s.log.Warn("worker abandoned on shutdown", zap.String("device", id))
			}
		}(id, w)
	}
	wg.Wait()
}

func (s *scheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

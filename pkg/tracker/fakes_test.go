package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/models"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func (c *fakeClock) At(d time.Duration) time.Time {
	t := t0.Add(d)
	c.Set(t)
	return t
}

// fakeDirectory answers lookups from a static table. When gate is set every
// lookup blocks until it is closed.
type fakeDirectory struct {
	mu       sync.Mutex
	bindings map[string]models.ZoneBinding
	err      error
	gate     chan struct{}
	calls    map[string]int
}

func newFakeDirectory(bindings map[string]models.ZoneBinding) *fakeDirectory {
	return &fakeDirectory{bindings: bindings, calls: make(map[string]int)}
}

func (d *fakeDirectory) Lookup(ctx context.Context, identity string) (*models.ZoneBinding, error) {
	d.mu.Lock()
	d.calls[identity]++
	gate := d.gate
	err := d.err
	b, ok := d.bindings[identity]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (d *fakeDirectory) Calls(identity string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[identity]
}

func (d *fakeDirectory) SetErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type fakeSink struct {
	mu      sync.Mutex
	records []models.VisitRecord
	calls   int
	err     error
	delay   time.Duration
}

func (s *fakeSink) Save(ctx context.Context, rec models.VisitRecord) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) Records() []models.VisitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.VisitRecord(nil), s.records...)
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errSourceStarted = errors.New("source already started")

// fakeSource hands sightings to the controller on demand. When gate is set
// StartScan blocks until it is closed, like a broker that is slow to connect.
type fakeSource struct {
	mu       sync.Mutex
	handle   func(models.Sighting, error)
	starting bool
	startErr error
	gate     chan struct{}
	starts   int
	stops    atomic.Int32
}

func (s *fakeSource) StartScan(ctx context.Context, handle func(models.Sighting, error)) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.starting {
		return errSourceStarted
	}
	s.starting = true
	s.starts++
	s.handle = handle
	return nil
}

func (s *fakeSource) StopScan() error {
	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
	s.stops.Add(1)
	return nil
}

func (s *fakeSource) emit(identity string, rssi int) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	h(models.Sighting{Identity: identity, SignalStrength: &rssi}, nil)
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	h(models.Sighting{}, err)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() config.TrackerSettings {
	return config.TrackerSettings{
		SilenceThreshold: 15 * time.Second,
		// The ticker never fires during a test; sweeps are driven by hand.
		SweepInterval:    time.Hour,
		LookupTimeout:    time.Second,
		ReportTimeout:    time.Second,
		DeliveryGuardTTL: time.Minute,
	}
}

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/models"
)

var (
	ErrAlreadyScanning = errors.New("scan already running")
	ErrDiscoveryFault  = errors.New("discovery fault")
)

// Source delivers sightings from the radio side. handle receives either a
// sighting or a fatal discovery error. A source can be started once per
// scan and StopScan must be safe to call more than once.
type Source interface {
	StartScan(ctx context.Context, handle func(models.Sighting, error)) error
	StopScan() error
}

type Options struct {
	Source     Source
	Directory  Directory
	Sink       Sink
	Settings   config.TrackerSettings
	ObserverID int64
	Logger     *slog.Logger
	// OnChange is called whenever the live device list changes.
	OnChange func()
	// OnStatusChange is called when a scan starts, stops or fails.
	OnStatusChange func()
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Status is the scanning flag and terminal error shown to the UI.
type Status struct {
	Scanning       bool   `json:"scanning"`
	Starting       bool   `json:"starting,omitempty"`
	Error          string `json:"error,omitempty"`
	ActiveSessions int    `json:"activeSessions"`
	PendingLookups int    `json:"pendingLookups"`
}

// Controller owns the scan lifecycle. It routes sightings through the
// resolver into the registry and flushes every open session on stop.
type Controller struct {
	source   Source
	registry *Registry
	resolver *Resolver
	reporter *Reporter
	sweeper  *Sweeper
	onChange func()
	onStatus func()
	now      func() time.Time
	log      *slog.Logger

	active atomic.Bool

	mu       sync.Mutex
	running  bool
	starting bool
	stopping bool
	err      error
	cancel   context.CancelFunc
	started  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := opts.Settings

	c := &Controller{
		source:   opts.Source,
		onChange: opts.OnChange,
		onStatus: opts.OnStatusChange,
		now:      now,
		log:      logger.With("component", "controller"),
	}
	c.registry = NewRegistry(c.devicesChanged)
	c.resolver = NewResolver(opts.Directory, s.LookupTimeout, logger)
	c.reporter = NewReporter(opts.Sink, opts.ObserverID, s.ReportTimeout, s.DeliveryGuardTTL, logger)
	c.sweeper = NewSweeper(c.registry, c.reporter, s.SweepInterval, s.SilenceThreshold, now, logger)

	if s.SweepInterval > 0 && s.SilenceThreshold < 3*s.SweepInterval {
		c.log.Warn("sweep interval is coarse relative to the silence threshold, departures may be finalised late",
			"sweep_interval", s.SweepInterval,
			"silence_threshold", s.SilenceThreshold)
	}
	return c
}

// Start clears all per-scan state and begins receiving sightings. It fails
// with ErrAlreadyScanning while a scan is starting, running or stopping.
// The source is started without holding the controller lock, so Status stays
// responsive while a slow source connects.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyScanning
	}

	c.resolver.Reset()
	c.registry.Reset()
	c.err = nil

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.starting = true
	c.cancel = cancel
	c.started = make(chan struct{})
	c.done = make(chan struct{})
	started, done := c.started, c.done
	c.active.Store(true)
	c.mu.Unlock()
	c.statusChanged()

	err := c.source.StartScan(runCtx, c.handle)

	c.mu.Lock()
	c.starting = false
	close(started)
	if err != nil {
		c.active.Store(false)
		c.running = false
		c.cancel = nil
		c.err = fmt.Errorf("%w: %v", ErrDiscoveryFault, err)
		c.registry.Reset()
		close(done)
		c.mu.Unlock()
		cancel()
		c.statusChanged()
		return fmt.Errorf("start discovery: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweeper.Run(runCtx)
	}()
	c.mu.Unlock()

	c.log.Info("scan started")
	c.statusChanged()
	return nil
}

// Stop ends the scan. Every session still open is finalised with the stop
// time as its departure and reported before Stop returns. Calling Stop when
// no scan is running waits for any stop already in progress.
func (c *Controller) Stop() {
	c.stop(nil)
}

func (c *Controller) stop(cause error) {
	c.mu.Lock()
	for c.starting {
		started := c.started
		c.mu.Unlock()
		<-started
		c.mu.Lock()
	}
	if !c.running || c.stopping {
		done := c.done
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	c.stopping = true
	if cause != nil {
		c.err = cause
	}
	cancel := c.cancel
	done := c.done
	c.active.Store(false)
	c.mu.Unlock()

	if err := c.source.StopScan(); err != nil {
		c.log.Warn("failed to stop discovery source", "error", err)
	}
	cancel()
	c.wg.Wait()

	stoppedAt := c.now()
	flushed := c.registry.FinalizeAll()
	for _, sess := range flushed {
		c.reporter.Submit(sess, stoppedAt)
	}
	c.reporter.Wait()

	c.mu.Lock()
	c.running = false
	c.stopping = false
	c.cancel = nil
	c.mu.Unlock()

	c.log.Info("scan stopped", "flushed_sessions", len(flushed))
	close(done)
	c.statusChanged()
}

// handle routes one callback from the source.
func (c *Controller) handle(s models.Sighting, err error) {
	if err != nil {
		c.log.Error("discovery source failed, stopping scan", "error", err)
		// The source may call back from inside StartScan or StopScan.
		go c.stop(fmt.Errorf("%w: %v", ErrDiscoveryFault, err))
		return
	}
	if !c.active.Load() {
		return
	}

	identity := models.NormalizeIdentity(s.Identity)
	if identity == "" {
		return
	}
	epoch := c.registry.Epoch()

	admission := c.resolver.Submit(identity,
		func() bool {
			return c.registry.Touch(identity, c.now(), s.SignalStrength, s.Name)
		},
		func(b models.ZoneBinding) {
			if !c.active.Load() {
				return
			}
			if c.registry.Open(identity, b, c.now(), s.SignalStrength, s.Name, epoch) {
				c.log.Info("session opened",
					"identity", identity,
					"zone_id", b.ZoneID,
					"zone", b.ZoneName)
			}
		})
	if admission == AdmitLookup {
		c.log.Debug("resolving new identity", "identity", identity)
	}
}

func (c *Controller) devicesChanged() {
	if c.onChange != nil {
		c.onChange()
	}
}

func (c *Controller) statusChanged() {
	if c.onStatus != nil {
		c.onStatus()
	}
}

// Status reports whether a scan is running and the last terminal error.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Scanning: c.running && !c.starting && !c.stopping,
		Starting: c.starting,
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	c.mu.Unlock()

	st.ActiveSessions = c.registry.Len()
	st.PendingLookups = c.resolver.PendingCount()
	return st
}

// Devices returns the live list of active sessions.
func (c *Controller) Devices() []models.ActiveDevice {
	return c.registry.Active()
}

// Err returns the terminal error of the last scan, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel closed when the current scan has fully stopped. If
// no scan was ever started the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops any running scan and releases background resources.
func (c *Controller) Close() {
	c.Stop()
	c.reporter.Close()
}

package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

// Sweeper periodically ends sessions that have gone silent.
type Sweeper struct {
	registry  *Registry
	reporter  *Reporter
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewSweeper(registry *Registry, reporter *Reporter, interval, threshold time.Duration, now func() time.Time, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		registry:  registry,
		reporter:  reporter,
		interval:  interval,
		threshold: threshold,
		now:       now,
		log:       logger.With("component", "sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep finalizes every session silent for longer than the threshold at now
// and hands each to the reporter. The departure time of a swept session is
// its last sighting, not the time of the sweep.
func (s *Sweeper) Sweep(now time.Time) []models.VisitRecord {
	expired := s.registry.FinalizeExpired(now, s.threshold)
	if len(expired) == 0 {
		return nil
	}

	records := make([]models.VisitRecord, 0, len(expired))
	for _, sess := range expired {
		rec, ok := s.reporter.Submit(sess, sess.LastSeenAt)
		if !ok {
			continue
		}
		s.log.Debug("session ended by silence",
			"identity", sess.Identity,
			"zone_id", sess.Binding.ZoneID,
			"silent_for", now.Sub(sess.LastSeenAt).Round(time.Millisecond))
		records = append(records, rec)
	}
	return records
}

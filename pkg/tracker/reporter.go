package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

// Sink durably stores finished visits.
type Sink interface {
	Save(ctx context.Context, rec models.VisitRecord) error
}

// Reporter delivers one VisitRecord per finalized session. Delivery is best
// effort: a failed save is logged and the record is dropped.
type Reporter struct {
	sink       Sink
	observerID int64
	timeout    time.Duration
	log        *slog.Logger

	// delivered maps recently submitted session IDs to their departure
	// time, so that a snapshot handed in twice is reported once.
	delivered *ttlcache.Cache[uuid.UUID, time.Time]
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewReporter(sink Sink, observerID int64, timeout, guardTTL time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New[uuid.UUID, time.Time](
		ttlcache.WithTTL[uuid.UUID, time.Time](guardTTL),
		ttlcache.WithDisableTouchOnHit[uuid.UUID, time.Time](),
	)
	go cache.Start()
	return &Reporter{
		sink:       sink,
		observerID: observerID,
		timeout:    timeout,
		log:        logger.With("component", "reporter"),
		delivered:  cache,
	}
}

// Submit builds the visit record for a finalized session and delivers it in
// the background. It returns false if the session was already submitted.
func (r *Reporter) Submit(s models.DwellSession, departedAt time.Time) (models.VisitRecord, bool) {
	rec := models.NewVisitRecord(s, departedAt, r.observerID)
	if item, loaded := r.delivered.GetOrSet(rec.ID, rec.DepartedAt); loaded {
		r.log.Warn("session already reported, skipping",
			"identity", s.Identity,
			"record", rec.ID,
			"departed", item.Value().Format(time.RFC3339))
		return models.VisitRecord{}, false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Report(context.Background(), rec)
	}()
	return rec, true
}

// Report saves rec to the sink under the configured timeout.
func (r *Reporter) Report(ctx context.Context, rec models.VisitRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Save(ctx, rec); err != nil {
		r.log.Warn("failed to report visit, dropping record",
			"record", rec.ID,
			"identity", rec.Identity,
			"zone_id", rec.ZoneID,
			"error", err)
		return err
	}
	r.log.Info("visit reported",
		"record", rec.ID,
		"identity", rec.Identity,
		"zone_id", rec.ZoneID,
		"zone", rec.ZoneName,
		"arrived", rec.ArrivedAt.Format(time.RFC3339),
		"departed", rec.DepartedAt.Format(time.RFC3339))
	return nil
}

// Wait blocks until every submitted delivery has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Close stops the delivery guard's expiry loop.
func (r *Reporter) Close() {
	r.closeOnce.Do(r.delivered.Stop)
}

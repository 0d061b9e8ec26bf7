package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	visitDateLayout = "02-01-2006"
	visitTimeLayout = "15:04"
)

// VisitRecord is the durable output of a finished dwell session.
type VisitRecord struct {
	// ID identifies the finalized session so sinks can discard duplicates
	ID         uuid.UUID `db:"id" json:"id"`
	Identity   string    `db:"identity" json:"identity"`
	ZoneID     int64     `db:"zone_id" json:"zoneId"`
	ZoneName   string    `db:"zone_name" json:"zoneName"`
	ArrivedAt  time.Time `db:"arrived_at" json:"arrivedAt"`
	DepartedAt time.Time `db:"departed_at" json:"departedAt"`
	ObserverID int64     `db:"observer_id" json:"observerId"`
}

// NewVisitRecord builds the record for a finalized session. The record takes
// the session's ID; a session without one gets a fresh ID.
func NewVisitRecord(s DwellSession, departedAt time.Time, observerID int64) VisitRecord {
	if departedAt.Before(s.ArrivedAt) {
		departedAt = s.ArrivedAt
	}
	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return VisitRecord{
		ID:         id,
		Identity:   s.Identity,
		ZoneID:     s.Binding.ZoneID,
		ZoneName:   s.Binding.ZoneName,
		ArrivedAt:  s.ArrivedAt,
		DepartedAt: departedAt,
		ObserverID: observerID,
	}
}

// Date returns the calendar date of arrival as DD-MM-YYYY.
func (v *VisitRecord) Date() string {
	return v.ArrivedAt.Format(visitDateLayout)
}

// ArrivalTime returns the wall-clock arrival time as HH:mm.
func (v *VisitRecord) ArrivalTime() string {
	return v.ArrivedAt.Format(visitTimeLayout)
}

// DepartureTime returns the wall-clock departure time as HH:mm.
func (v *VisitRecord) DepartureTime() string {
	return v.DepartedAt.Format(visitTimeLayout)
}

// Duration is the time spent in the zone.
func (v *VisitRecord) Duration() time.Duration {
	return v.DepartedAt.Sub(v.ArrivedAt)
}

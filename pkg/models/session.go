package models

import (
	"time"

	"github.com/google/uuid"
)

// DwellSession is an immutable snapshot of a tracked presence interval. The
// live, mutable copy is owned by the tracker's registry.
type DwellSession struct {
	// ID is assigned when the session opens and becomes the visit record ID.
	ID             uuid.UUID
	Identity       string
	Binding        ZoneBinding
	ArrivedAt      time.Time
	LastSeenAt     time.Time
	SignalStrength *int
	DeviceName     string
}

// ActiveDevice is the read-only projection of an active session shown to the
// surrounding UI.
type ActiveDevice struct {
	Identity       string    `json:"identity"`
	DisplayName    string    `json:"displayName"`
	DeviceName     string    `json:"deviceName,omitempty"`
	SignalStrength *int      `json:"signalStrength"`
	ZoneID         int64     `json:"zoneId"`
	ArrivedAt      time.Time `json:"arrivedAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

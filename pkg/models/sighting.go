package models

import (
	"strings"
	"time"
)

// Sighting is a single observation of a discoverable device reported by the
// discovery source. Sightings are never persisted.
type Sighting struct {
	Identity       string
	SignalStrength *int
	Name           string
	ObservedAt     time.Time
}

// NormalizeIdentity returns the canonical form of a device address so that
// repeated sightings from different gateways correlate.
func NormalizeIdentity(identity string) string {
	return strings.ToUpper(strings.TrimSpace(identity))
}

package models

import "time"

// Beacon is a registered BLE beacon as stored in the directory tables.
type Beacon struct {
	ID       int64      `db:"id" json:"id"`
	MAC      string     `db:"mac" json:"mac"`
	Battery  *string    `db:"battery" json:"battery,omitempty"`
	ZoneID   *int64     `db:"zone_id" json:"zoneId,omitempty"`
	ZoneName *string    `db:"zone_name" json:"zoneName,omitempty"`
	LastSeen *time.Time `db:"last_seen" json:"lastSeen,omitempty"`
}

// Binding returns the zone binding for the beacon, or nil when the beacon is
// not assigned to a zone.
func (b *Beacon) Binding() *ZoneBinding {
	if b.ZoneID == nil || b.ZoneName == nil {
		return nil
	}
	binding := &ZoneBinding{ZoneID: *b.ZoneID, ZoneName: *b.ZoneName}
	if !binding.IsBound() {
		return nil
	}
	return binding
}

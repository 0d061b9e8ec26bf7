package models

// ZoneBinding is the result of resolving a beacon identity against the
// directory.
type ZoneBinding struct {
	ZoneID   int64  `db:"zone_id" json:"zoneId"`
	ZoneName string `db:"zone_name" json:"zoneName"`
}

// IsBound reports whether the binding names an actual zone. Beacons that are
// registered but not assigned to a zone come back with an empty binding.
func (b *ZoneBinding) IsBound() bool {
	return b != nil && b.ZoneID != 0 && b.ZoneName != ""
}

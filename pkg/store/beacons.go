package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

var selectBeacons = `
	SELECT b.id, b.mac, b.battery, b.zone_id, z.name AS zone_name, b.last_seen
	FROM beacons b
	LEFT JOIN zones z ON z.id = b.zone_id`

// BeaconStore provides read access to the beacon directory.
type BeaconStore interface {
	// GetByMAC returns the beacon with the given address, matched case
	// insensitively, or nil if it is not registered.
	GetByMAC(ctx context.Context, mac string) (*models.Beacon, error)
	GetAll(ctx context.Context) ([]*models.Beacon, error)
}

type postgresBeaconStore struct {
	db *sqlx.DB
}

func NewBeaconStore(dbconn *sqlx.DB) BeaconStore {
	return &postgresBeaconStore{db: dbconn}
}

func (s *postgresBeaconStore) GetByMAC(ctx context.Context, mac string) (*models.Beacon, error) {
	query := selectBeacons + " WHERE upper(b.mac) = $1;"
	var beacon models.Beacon
	err := s.db.GetContext(ctx, &beacon, query, strings.ToUpper(mac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &beacon, nil
}

func (s *postgresBeaconStore) GetAll(ctx context.Context) ([]*models.Beacon, error) {
	query := selectBeacons + " ORDER BY b.mac;"
	beacons := []*models.Beacon{}
	if err := s.db.SelectContext(ctx, &beacons, query); err != nil {
		return nil, err
	}
	return beacons, nil
}

// Directory resolves identities against the local beacon tables.
type Directory struct {
	Beacons BeaconStore
}

func (d *Directory) Lookup(ctx context.Context, identity string) (*models.ZoneBinding, error) {
	beacon, err := d.Beacons.GetByMAC(ctx, identity)
	if err != nil || beacon == nil {
		return nil, err
	}
	return beacon.Binding(), nil
}

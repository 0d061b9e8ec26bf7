package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

var selectVisits = `SELECT v.* FROM visits v`

type VisitStore interface {
	// Save stores a visit and stamps the beacon's last_seen with the
	// departure time. Saving the same record twice is a no-op.
	Save(ctx context.Context, rec *models.VisitRecord) error
	GetRecent(ctx context.Context, limit int) ([]*models.VisitRecord, error)
	GetByZone(ctx context.Context, zoneID int64, limit int) ([]*models.VisitRecord, error)
}

type postgresVisitStore struct {
	db *sqlx.DB
}

func NewVisitStore(dbconn *sqlx.DB) VisitStore {
	return &postgresVisitStore{db: dbconn}
}

func (s *postgresVisitStore) Save(ctx context.Context, rec *models.VisitRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin visit tx: %w", err)
	}
	defer tx.Rollback()

	stmt := `
	INSERT INTO visits (id, identity, zone_id, zone_name, arrived_at, departed_at, observer_id)
	VALUES (:id, :identity, :zone_id, :zone_name, :arrived_at, :departed_at, :observer_id)
	ON CONFLICT (id) DO NOTHING;`
	if _, err := tx.NamedExecContext(ctx, stmt, rec); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}

	update := `
	UPDATE beacons SET last_seen = $1
	WHERE upper(mac) = $2 AND (last_seen IS NULL OR last_seen < $1);`
	if _, err := tx.ExecContext(ctx, update, rec.DepartedAt, rec.Identity); err != nil {
		return fmt.Errorf("update beacon last seen: %w", err)
	}

	return tx.Commit()
}

func (s *postgresVisitStore) GetRecent(ctx context.Context, limit int) ([]*models.VisitRecord, error) {
	query := selectVisits + " ORDER BY v.departed_at DESC LIMIT $1;"
	visits := []*models.VisitRecord{}
	if err := s.db.SelectContext(ctx, &visits, query, limit); err != nil {
		return nil, err
	}
	return visits, nil
}

func (s *postgresVisitStore) GetByZone(ctx context.Context, zoneID int64, limit int) ([]*models.VisitRecord, error) {
	query := selectVisits + " WHERE v.zone_id = $1 ORDER BY v.departed_at DESC LIMIT $2;"
	visits := []*models.VisitRecord{}
	if err := s.db.SelectContext(ctx, &visits, query, zoneID, limit); err != nil {
		return nil, err
	}
	return visits, nil
}

// Sink stores finished visits in the local visits table.
type Sink struct {
	Visits VisitStore
}

func (s *Sink) Save(ctx context.Context, rec models.VisitRecord) error {
	return s.Visits.Save(ctx, &rec)
}

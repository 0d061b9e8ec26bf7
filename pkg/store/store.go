package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Stores struct {
	Beacons BeaconStore
	Visits  VisitStore
}

func New(db *sqlx.DB) Stores {
	return Stores{
		Beacons: NewBeaconStore(db),
		Visits:  NewVisitStore(db),
	}
}

// Connect opens and pings the postgres database at url.
func Connect(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

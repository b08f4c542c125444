package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// Postgres is the networked relational source store.
type Postgres struct {
	DB  *sqlx.DB
	Key pool.Key
}

// OpenPostgres connects to the source store and verifies reachability.
func OpenPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// Keep the driver pool above the resilience pool so capacity decisions
	// live in one place.
	db.SetMaxOpenConns(maxConns * 2)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{
		DB:  db,
		Key: pool.Key{Kind: "postgres", Addr: url},
	}, nil
}

// Dialer returns the pool dialer for this store.
func (p *Postgres) Dialer() pool.Dialer {
	return &Dialer{db: p.DB}
}

// Health checks store reachability.
func (p *Postgres) Health(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// Close shuts the driver pool down.
func (p *Postgres) Close() error {
	return p.DB.Close()
}

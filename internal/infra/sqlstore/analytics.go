package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Analytics is the embedded analytical store, a single-file database holding
// the memory staging tables and the dead letter queue. It stays available
// even when the networked source store is down.
type Analytics struct {
	DB   *sqlx.DB
	Key  pool.Key
	path string
}

// OpenAnalytics opens (creating if needed) the embedded store and applies
// pending migrations.
func OpenAnalytics(ctx context.Context, path string, maxConns int) (*Analytics, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create analytics dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics store: %w", err)
	}

	db.SetMaxOpenConns(maxConns * 2)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping analytics store: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Analytics{
		DB:   db,
		Key:  pool.Key{Kind: "analytics", Addr: path},
		path: path,
	}, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate analytics store: %w", err)
	}
	return nil
}

// Dialer returns the pool dialer for this store.
func (a *Analytics) Dialer() pool.Dialer {
	return &Dialer{db: a.DB}
}

// Health checks store reachability.
func (a *Analytics) Health(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

// Path returns the backing file path.
func (a *Analytics) Path() string {
	return a.path
}

// Close shuts the store down.
func (a *Analytics) Close() error {
	return a.DB.Close()
}

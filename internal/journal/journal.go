// Package journal persists a history of handoff registrations and
// deliveries in SQLite.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zjrosen/ptyhandoff/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind classifies an entry.
type Kind string

const (
	KindRegister   Kind = "register"
	KindDeliver    Kind = "deliver"
	KindRetire     Kind = "retire"
	KindUnregister Kind = "unregister"
)

// Entry is one row of handoff history.
type Entry struct {
	ID           int64
	Kind         Kind
	ActivationID string
	Once         bool
	Outcome      string
	Status       uint32
	Duration     time.Duration
	CreatedAt    time.Time
}

// Journal is a SQLite-backed history store. Safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and applies
// migrations.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	log.Info(log.CatJournal, "Journal opened", "path", path)
	return &Journal{db: db, path: path}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close db through the driver; only the source is ours to drop.
	defer src.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Record appends e. A zero CreatedAt is set to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO handoff_events (kind, activation_id, once, outcome, status, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.ActivationID, e.Once, e.Outcome, int64(e.Status), int64(e.Duration), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording %s entry: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, activation_id, once, outcome, status, duration_ns, created_at
		 FROM handoff_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			kind      string
			status    int64
			duration  int64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.ActivationID, &e.Once, &e.Outcome, &status, &duration, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Status = uint32(status)
		e.Duration = time.Duration(duration)
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

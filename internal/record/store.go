// Package record persists match records, one per completed pairing. Records
// are immutable once written and never deleted by the matcher.
package record

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one persisted match.
type Record struct {
	ID         string
	Category   string
	Difficulty string
	CreatedAt  time.Time
}

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("record: not found")

// Repository is implemented by both the PostgreSQL and the Redis store.
type Repository interface {
	Save(ctx context.Context, r Record) (string, error)
	Get(ctx context.Context, id string) (*Record, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*RedisStore)(nil)
)

// prepare fills in the id and creation time when the caller left them empty.
func prepare(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Microsecond)
	return r
}

// Store manages match records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new record store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("record: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("record: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate brings the schema up to date. It is a no-op when nothing changed.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("record: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("record: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("record: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("record: migrate up: %w", err)
	}
	return nil
}

// Save inserts the record and returns its id. Saving the same id twice keeps
// the first row.
func (s *Store) Save(ctx context.Context, r Record) (string, error) {
	r = prepare(r)

	const query = `
		INSERT INTO match_records (id, category, difficulty, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, r.ID, r.Category, r.Difficulty, r.CreatedAt); err != nil {
		return "", fmt.Errorf("record: insert: %w", err)
	}
	return r.ID, nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	const query = `
		SELECT id, category, difficulty, created_at
		FROM match_records
		WHERE id = $1`

	var r Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Category, &r.Difficulty, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record: get %s: %w", id, err)
	}
	return &r, nil
}

// CountSince returns the number of matches created at or after since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM match_records WHERE created_at >= $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("record: count since: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

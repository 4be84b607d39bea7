// Package sqlite provides a single-file user directory for deployments
// without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/cory-johannsen/cloudtown/internal/directory"
	"github.com/cory-johannsen/cloudtown/migrations"
)

const timeLayout = time.RFC3339Nano

// UserStore persists user profiles in a SQLite database.
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
//
// Precondition: path must be a writable file path or ":memory:".
// Postcondition: Returns a ready UserStore or a non-nil error.
func Open(ctx context.Context, path string) (*UserStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &UserStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}
	return s, nil
}

// migrate applies the embedded SQLite migrations. The migrator is not closed
// because that would close s.db; only its source is released.
func (s *UserStore) migrate() error {
	src, err := iofs.New(migrations.SQLite(), ".")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// FindByIdentity retrieves the profile stored for identity.
//
// Postcondition: Returns the record, or directory.ErrUserNotFound if absent.
func (s *UserStore) FindByIdentity(ctx context.Context, identity string) (*directory.Record, error) {
	var (
		rec      directory.Record
		lastSeen string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, about, linkedin, twitter, portfolio, github, last_seen
		 FROM users WHERE user_id = ?`,
		identity,
	).Scan(
		&rec.Identity, &rec.Username, &rec.About,
		&rec.LinkedIn, &rec.Twitter, &rec.Portfolio, &rec.GitHub,
		&lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, directory.ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user %q: %w", identity, err)
	}
	rec.LastSeen, err = time.Parse(timeLayout, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen for %q: %w", identity, err)
	}
	return &rec, nil
}

// Upsert creates the user if absent and otherwise overwrites the non-nil
// fields. last_seen is refreshed either way.
//
// Precondition: identity must be non-empty.
func (s *UserStore) Upsert(ctx context.Context, identity string, f directory.Fields) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, about, linkedin, twitter, portfolio, github, last_seen)
		 VALUES (?1, COALESCE(?2, ''), COALESCE(?3, ''), COALESCE(?4, ''), COALESCE(?5, ''),
		         COALESCE(?6, ''), COALESCE(?7, ''), ?8)
		 ON CONFLICT(user_id) DO UPDATE SET
		     username  = COALESCE(?2, username),
		     about     = COALESCE(?3, about),
		     linkedin  = COALESCE(?4, linkedin),
		     twitter   = COALESCE(?5, twitter),
		     portfolio = COALESCE(?6, portfolio),
		     github    = COALESCE(?7, github),
		     last_seen = ?8`,
		identity, f.Username, f.About, f.LinkedIn, f.Twitter, f.Portfolio, f.GitHub,
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", identity, err)
	}
	return nil
}

var _ directory.UserDirectory = (*UserStore)(nil)

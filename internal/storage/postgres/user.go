package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/cloudtown/internal/directory"
)

// UserRepository persists user profiles in the users table.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// FindByIdentity retrieves the profile stored for identity.
//
// Postcondition: Returns the record, or directory.ErrUserNotFound if absent.
func (r *UserRepository) FindByIdentity(ctx context.Context, identity string) (*directory.Record, error) {
	var rec directory.Record
	err := r.db.QueryRow(ctx,
		`SELECT user_id, username, about, linkedin, twitter, portfolio, github, last_seen
		 FROM users WHERE user_id = $1`,
		identity,
	).Scan(
		&rec.Identity, &rec.Username, &rec.About,
		&rec.LinkedIn, &rec.Twitter, &rec.Portfolio, &rec.GitHub,
		&rec.LastSeen,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, directory.ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user %q: %w", identity, err)
	}
	return &rec, nil
}

// Upsert creates the user if absent and otherwise overwrites the non-nil
// fields. last_seen is refreshed either way.
//
// Precondition: identity must be non-empty.
// Postcondition: A row for identity exists with the given fields applied.
func (r *UserRepository) Upsert(ctx context.Context, identity string, f directory.Fields) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (user_id, username, about, linkedin, twitter, portfolio, github, last_seen)
		 VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''),
		         COALESCE($6, ''), COALESCE($7, ''), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		     username  = COALESCE($2, users.username),
		     about     = COALESCE($3, users.about),
		     linkedin  = COALESCE($4, users.linkedin),
		     twitter   = COALESCE($5, users.twitter),
		     portfolio = COALESCE($6, users.portfolio),
		     github    = COALESCE($7, users.github),
		     last_seen = NOW()`,
		identity, f.Username, f.About, f.LinkedIn, f.Twitter, f.Portfolio, f.GitHub,
	)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", identity, err)
	}
	return nil
}

var _ directory.UserDirectory = (*UserRepository)(nil)

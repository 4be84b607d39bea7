// Package directory defines the user directory collaborator that holds
// persisted profiles, plus an in-memory implementation.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/cory-johannsen/cloudtown/internal/session"
)

// ErrUserNotFound is returned when no record exists for an identity.
var ErrUserNotFound = errors.New("user not found")

// Record is the persisted profile of one identity.
type Record struct {
	Identity  string
	Username  string
	About     string
	LinkedIn  string
	Twitter   string
	Portfolio string
	GitHub    string
	LastSeen  time.Time
}

// Profile converts the record into the profile card carried by players.
func (r Record) Profile() *session.Profile {
	return &session.Profile{
		Username:  r.Username,
		About:     r.About,
		LinkedIn:  r.LinkedIn,
		Twitter:   r.Twitter,
		Portfolio: r.Portfolio,
		GitHub:    r.GitHub,
	}
}

// Fields is a partial record for Upsert. Nil fields leave the stored value
// untouched (or empty when the record is created).
type Fields struct {
	Username  *string
	About     *string
	LinkedIn  *string
	Twitter   *string
	Portfolio *string
	GitHub    *string
}

// FieldsFromProfile builds Fields that seed a new record from a client
// profile. Empty values are left unset. A nil profile yields empty Fields.
func FieldsFromProfile(p *session.Profile) Fields {
	if p == nil {
		return Fields{}
	}
	about := p.About
	return Fields{
		Username:  optional(p.Username),
		About:     &about,
		LinkedIn:  optional(p.LinkedIn),
		Twitter:   optional(p.Twitter),
		Portfolio: optional(p.Portfolio),
		GitHub:    optional(p.GitHub),
	}
}

// ReplacementFields builds Fields for a profile update: every profile column
// is overwritten, so an empty string clears the stored value. A nil profile
// yields empty Fields.
func ReplacementFields(p *session.Profile) Fields {
	if p == nil {
		return Fields{}
	}
	prof := *p
	return Fields{
		Username:  &prof.Username,
		About:     &prof.About,
		LinkedIn:  &prof.LinkedIn,
		Twitter:   &prof.Twitter,
		Portfolio: &prof.Portfolio,
		GitHub:    &prof.GitHub,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Apply merges f into r.
func (f Fields) Apply(r *Record) {
	if f.Username != nil {
		r.Username = *f.Username
	}
	if f.About != nil {
		r.About = *f.About
	}
	if f.LinkedIn != nil {
		r.LinkedIn = *f.LinkedIn
	}
	if f.Twitter != nil {
		r.Twitter = *f.Twitter
	}
	if f.Portfolio != nil {
		r.Portfolio = *f.Portfolio
	}
	if f.GitHub != nil {
		r.GitHub = *f.GitHub
	}
}

// UserDirectory is the durable store of user profiles. Implementations are
// best-effort and may fail independently of the presence core.
type UserDirectory interface {
	// FindByIdentity returns the record for identity or ErrUserNotFound.
	FindByIdentity(ctx context.Context, identity string) (*Record, error)
	// Upsert creates or updates the record for identity and refreshes LastSeen.
	Upsert(ctx context.Context, identity string, fields Fields) error
}

// Package session provides the in-memory registry of rooms and the players
// currently present in them.
package session

import "time"

// ConnID is an opaque handle for the live transport connection that currently
// represents an identity.
type ConnID string

// Direction is the way a player's avatar is facing.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Valid reports whether d is one of the four facing directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
		return true
	}
	return false
}

// Profile is the public profile card attached to a player.
type Profile struct {
	Username  string `json:"username"`
	About     string `json:"about"`
	LinkedIn  string `json:"linkedin,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Portfolio string `json:"portfolio,omitempty"`
	GitHub    string `json:"github,omitempty"`
}

// Player is one occupant of a room while connected.
type Player struct {
	// Identity is the stable cross-session id supplied by the client at join.
	Identity string
	// Conn is the connection currently representing Identity.
	Conn ConnID
	// DisplayName is the name shown above the avatar.
	DisplayName string
	// AvatarRef is an optional client-supplied avatar reference; empty when unset.
	AvatarRef string
	X         float64
	Y         float64
	Facing    Direction
	Moving    bool
	// RoomID is the room this player currently occupies.
	RoomID string
	// JoinedAt is the time of the most recent join into RoomID.
	JoinedAt time.Time
	// Profile mirrors the user directory's record; nil when unknown.
	Profile *Profile
}

func (p *Player) clone() Player {
	out := *p
	if p.Profile != nil {
		prof := *p.Profile
		out.Profile = &prof
	}
	return out
}

// Field is one optional member of a Patch. The zero Field means "omitted";
// a Field built with Set replaces the stored value, even when the value is
// the zero value or nil.
type Field[T any] struct {
	set   bool
	value T
}

// Set returns a Field that overwrites the stored value with v.
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// Get returns the field value and whether the field was set.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.set
}

// Patch is a field-level partial update applied by Registry.UpdatePlayer.
//
// Omitted fields leave the stored value untouched. Set(nil) on Profile and
// Set("") on AvatarRef clear the stored value.
type Patch struct {
	DisplayName Field[string]
	AvatarRef   Field[string]
	X           Field[float64]
	Y           Field[float64]
	Facing      Field[Direction]
	Moving      Field[bool]
	Profile     Field[*Profile]
}

func (pt Patch) apply(p *Player) {
	if v, ok := pt.DisplayName.Get(); ok {
		p.DisplayName = v
	}
	if v, ok := pt.AvatarRef.Get(); ok {
		p.AvatarRef = v
	}
	if v, ok := pt.X.Get(); ok {
		p.X = v
	}
	if v, ok := pt.Y.Get(); ok {
		p.Y = v
	}
	if v, ok := pt.Facing.Get(); ok {
		p.Facing = v
	}
	if v, ok := pt.Moving.Get(); ok {
		p.Moving = v
	}
	if v, ok := pt.Profile.Get(); ok {
		if v == nil {
			p.Profile = nil
		} else {
			prof := *v
			p.Profile = &prof
		}
	}
}

package presence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/cloudtown/internal/session"
)

// Inbound event names.
const (
	EventJoinRoom      = "joinRoom"
	EventLeaveRoom     = "leaveRoom"
	EventMove          = "move"
	EventPlayerMove    = "playerMove"
	EventUpdateProfile = "updateProfile"
	EventInteract      = "interact"
)

// Outbound event names.
const (
	EventJoinedRoom           = "joinedRoom"
	EventPlayerJoined         = "playerJoined"
	EventPlayerLeft           = "playerLeft"
	EventPlayerMoved          = "playerMoved"
	EventProfileUpdated       = "profileUpdated"
	EventPlayerProfileUpdated = "playerProfileUpdated"
	EventPlayerInteracted     = "playerInteracted"
	EventError                = "error"
)

// ErrInvalidPayload is returned when an inbound event is missing required
// fields or cannot be decoded.
var ErrInvalidPayload = errors.New("invalid payload")

// Frame is the wire envelope used in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name string
	Data any
}

// Encode serializes evt into a wire frame.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", evt.Name, err)
	}
	return json.Marshal(Frame{Event: evt.Name, Data: data})
}

// Decode parses a wire frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}
	return f, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// JoinRequest is the joinRoom payload.
type JoinRequest struct {
	RoomID      string           `json:"roomId"`
	UserID      string           `json:"userId"`
	UserName    string           `json:"userName"`
	UserImage   string           `json:"userImage,omitempty"`
	UserProfile *session.Profile `json:"userProfile,omitempty"`
}

// Validate checks the required join fields.
func (r JoinRequest) Validate() error {
	if r.RoomID == "" || r.UserID == "" || r.UserName == "" {
		return fmt.Errorf("%w: roomId, userId and userName are required", ErrInvalidPayload)
	}
	return nil
}

// MoveRequest is the move payload.
type MoveRequest struct {
	X         *float64          `json:"x"`
	Y         *float64          `json:"y"`
	Direction session.Direction `json:"direction"`
	IsMoving  bool              `json:"isMoving"`
}

// Validate checks that both coordinates are present and the direction is known.
func (r MoveRequest) Validate() error {
	if r.X == nil || r.Y == nil {
		return fmt.Errorf("%w: x and y are required", ErrInvalidPayload)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidPayload, r.Direction)
	}
	return nil
}

// InteractRequest is the interact payload.
type InteractRequest struct {
	ObjectID string `json:"objectId"`
	Action   string `json:"action"`
}

// Validate checks the required interact fields.
func (r InteractRequest) Validate() error {
	if r.ObjectID == "" || r.Action == "" {
		return fmt.Errorf("%w: objectId and action are required", ErrInvalidPayload)
	}
	return nil
}

// PublicPlayer is the view of a player sent to other room members.
type PublicPlayer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image,omitempty"`
	X         float64           `json:"x"`
	Y         float64           `json:"y"`
	Direction session.Direction `json:"direction"`
	IsMoving  bool              `json:"isMoving"`
	Profile   *session.Profile  `json:"profile,omitempty"`
}

// NewPublicPlayer projects the public fields of p.
func NewPublicPlayer(p session.Player) PublicPlayer {
	return PublicPlayer{
		ID:        p.Identity,
		Name:      p.DisplayName,
		Image:     p.AvatarRef,
		X:         p.X,
		Y:         p.Y,
		Direction: p.Facing,
		IsMoving:  p.Moving,
		Profile:   p.Profile,
	}
}

// JoinedRoom acknowledges a join to the joining connection.
type JoinedRoom struct {
	Players   []PublicPlayer   `json:"players"`
	MyProfile *session.Profile `json:"myProfile"`
}

// PlayerLeft announces a departure.
type PlayerLeft struct {
	ID string `json:"id"`
}

// ProfileUpdated acknowledges a profile update to its sender.
type ProfileUpdated struct {
	Profile *session.Profile `json:"profile"`
	Name    string           `json:"name"`
}

// PlayerProfileUpdated propagates a profile change to the room.
type PlayerProfileUpdated struct {
	ID      string           `json:"id"`
	Profile *session.Profile `json:"profile"`
	Name    string           `json:"name"`
}

// PlayerInteracted relays an object interaction.
type PlayerInteracted struct {
	PlayerID string `json:"playerId"`
	ObjectID string `json:"objectId"`
	Action   string `json:"action"`
}

// ErrorMessage reports a rejected event to its sender.
type ErrorMessage struct {
	Message string `json:"message"`
}

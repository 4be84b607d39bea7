// Package presence implements the per-connection protocol state machine and
// the fan-out of its events to the other members of a room.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/directory"
	"github.com/cory-johannsen/cloudtown/internal/session"
	"github.com/cory-johannsen/cloudtown/internal/spawn"
)

// UnknownName is the display name used when a profile carries no username.
const UnknownName = "Unknown"

// DefaultDirectoryTimeout bounds every user directory call.
const DefaultDirectoryTimeout = 5 * time.Second

// Service holds the collaborators shared by every connection handler.
type Service struct {
	registry  *session.Registry
	router    Router
	directory directory.UserDirectory
	spawner   *spawn.Spawner
	logger    *zap.Logger
	timeout   time.Duration

	pending sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDirectoryTimeout overrides DefaultDirectoryTimeout.
func WithDirectoryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService creates a Service.
//
// Precondition: all arguments must be non-nil.
// Postcondition: Returns a Service ready to Open connections.
func NewService(
	registry *session.Registry,
	router Router,
	dir directory.UserDirectory,
	spawner *spawn.Spawner,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		registry:  registry,
		router:    router,
		directory: dir,
		spawner:   spawner,
		logger:    logger,
		timeout:   DefaultDirectoryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open registers box with the router and returns the Handler for its
// connection. ctx is the connection's lifetime and must be cancelled when the
// connection closes.
func (s *Service) Open(ctx context.Context, box *Outbox) *Handler {
	s.router.Register(box)
	return &Handler{
		svc:    s,
		ctx:    ctx,
		conn:   box.ID(),
		box:    box,
		logger: s.logger.With(zap.String("conn", string(box.ID()))),
	}
}

// Wait blocks until every background directory write has finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Stats is a point-in-time count of connections, rooms and players.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Players     int `json:"players"`
}

// Stats reports the current aggregate counters.
func (s *Service) Stats() Stats {
	return Stats{
		Connections: s.router.ConnectionCount(),
		Rooms:       s.registry.RoomCount(),
		Players:     s.registry.TotalPlayerCount(),
	}
}

// Evict removes the registry entry still owned by conn, if any, and notifies
// the room. It is the cleanup path used when a handler's own state cannot be
// trusted.
//
// Postcondition: conn owns no registry entry; returns true if one was removed.
func (s *Service) Evict(conn session.ConnID) bool {
	summary, p, ok := s.registry.FindByConnection(conn)
	if !ok {
		return false
	}
	if _, ok := s.registry.RemoveOwned(summary.ID, p.Identity, conn); !ok {
		return false
	}
	s.router.Detach(summary.ID, conn)
	s.router.Broadcast(summary.ID, conn, Event{Name: EventPlayerLeft, Data: PlayerLeft{ID: p.Identity}})
	s.logger.Info("evicted orphaned player",
		zap.String("room", summary.ID),
		zap.String("identity", p.Identity),
		zap.String("conn", string(conn)),
	)
	return true
}

func (s *Service) upsertAsync(ctx context.Context, identity string, fields directory.Fields) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.directory.Upsert(ctx, identity, fields); err != nil {
			s.logger.Warn("user directory upsert failed",
				zap.String("identity", identity),
				zap.Error(err),
			)
		}
	}()
}

// Handler drives the protocol state machine for one connection.
//
// A Handler is not safe for concurrent use; all methods must be called from
// the connection's read loop.
type Handler struct {
	svc    *Service
	ctx    context.Context
	conn   session.ConnID
	box    *Outbox
	logger *zap.Logger

	currentRoom     string
	currentIdentity string
}

// Conn returns the connection handle.
func (h *Handler) Conn() session.ConnID {
	return h.conn
}

// State returns the current room and identity; ok is false while idle.
func (h *Handler) State() (roomID, identity string, ok bool) {
	return h.currentRoom, h.currentIdentity, h.currentRoom != ""
}

// Dispatch decodes one inbound frame and runs the matching transition.
func (h *Handler) Dispatch(raw []byte) {
	frame, err := Decode(raw)
	if err != nil {
		h.reject("Invalid message", err)
		return
	}

	switch frame.Event {
	case EventJoinRoom:
		var req JoinRequest
		if err := decodeData(frame.Data, &req); err != nil {
			h.reject("Invalid join data", err)
			return
		}
		h.Join(req)
	case EventMove, EventPlayerMove:
		var req MoveRequest
		if err := decodeData(frame.Data, &req); err != nil {
			h.reject("Invalid move data", err)
			return
		}
		h.Move(req)
	case EventUpdateProfile:
		var p *session.Profile
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				h.reject("Invalid profile data", err)
				return
			}
		}
		h.UpdateProfile(p)
	case EventInteract:
		var req InteractRequest
		if err := decodeData(frame.Data, &req); err != nil {
			h.reject("Invalid interact data", err)
			return
		}
		h.Interact(req)
	case EventLeaveRoom:
		h.Leave()
	default:
		h.reject(fmt.Sprintf("unknown event %s", frame.Event), nil)
	}
}

// Join places the connection's identity in req.RoomID.
//
// Precondition: none; an invalid request is answered with an error event.
// Postcondition: On success the handler is in the room, the joiner has
// received joinedRoom and the other members playerJoined.
func (h *Handler) Join(req JoinRequest) {
	if err := req.Validate(); err != nil {
		h.reject("Invalid join data", err)
		return
	}

	name, profile := h.resolveProfile(req)
	if err := h.ctx.Err(); err != nil {
		h.logger.Debug("join abandoned", zap.String("room", req.RoomID), zap.Error(err))
		return
	}

	if h.currentRoom != "" {
		h.Leave()
	}

	pos := h.svc.spawner.Position(req.RoomID)
	p := session.Player{
		Identity:    req.UserID,
		Conn:        h.conn,
		DisplayName: name,
		AvatarRef:   req.UserImage,
		X:           pos.X,
		Y:           pos.Y,
		Facing:      session.DirectionDown,
		Profile:     profile,
	}

	prev, displaced := h.svc.registry.AddPlayer(req.RoomID, p)
	switch {
	case !displaced || prev.Conn == h.conn:
	case prev.RoomID == req.RoomID:
		h.svc.router.Detach(req.RoomID, prev.Conn)
	default:
		h.svc.router.Detach(prev.RoomID, prev.Conn)
		h.svc.router.Broadcast(prev.RoomID, prev.Conn, Event{Name: EventPlayerLeft, Data: PlayerLeft{ID: prev.Identity}})
	}

	h.currentRoom, h.currentIdentity = req.RoomID, req.UserID
	h.svc.router.Attach(req.RoomID, h.box)

	members := h.svc.registry.ListPlayers(req.RoomID)
	others := make([]PublicPlayer, 0, len(members))
	for _, m := range members {
		if m.Identity != req.UserID {
			others = append(others, NewPublicPlayer(m))
		}
	}
	h.send(Event{Name: EventJoinedRoom, Data: JoinedRoom{Players: others, MyProfile: profile}})
	h.svc.router.Broadcast(req.RoomID, h.conn, Event{Name: EventPlayerJoined, Data: NewPublicPlayer(p)})
}

// resolveProfile returns the display name and profile to use for a join. A
// directory record overrides the client's values; an unknown identity is
// registered in the background from the client's values.
func (h *Handler) resolveProfile(req JoinRequest) (string, *session.Profile) {
	name, profile := req.UserName, req.UserProfile

	ctx, cancel := context.WithTimeout(h.ctx, h.svc.timeout)
	defer cancel()
	rec, err := h.svc.directory.FindByIdentity(ctx, req.UserID)
	switch {
	case err == nil:
		if rec.Username != "" {
			name = rec.Username
		}
		profile = rec.Profile()
	case errors.Is(err, directory.ErrUserNotFound):
		fields := directory.FieldsFromProfile(req.UserProfile)
		username := req.UserName
		fields.Username = &username
		h.svc.upsertAsync(h.ctx, req.UserID, fields)
	default:
		h.logger.Warn("user directory lookup failed",
			zap.String("identity", req.UserID),
			zap.Error(err),
		)
	}
	return name, profile
}

// Move applies a position update and relays it to the room.
func (h *Handler) Move(req MoveRequest) {
	if err := req.Validate(); err != nil {
		h.reject("Invalid move data", err)
		return
	}
	if h.currentRoom == "" {
		return
	}

	p, ok := h.svc.registry.UpdateOwned(h.currentRoom, h.currentIdentity, h.conn, session.Patch{
		X:      session.Set(*req.X),
		Y:      session.Set(*req.Y),
		Facing: session.Set(req.Direction),
		Moving: session.Set(req.IsMoving),
	})
	if !ok {
		h.superseded()
		return
	}
	h.logger.Debug("player moved",
		zap.String("room", p.RoomID),
		zap.String("identity", p.Identity),
		zap.Float64("x", p.X),
		zap.Float64("y", p.Y),
	)
	h.svc.router.Broadcast(h.currentRoom, h.conn, Event{Name: EventPlayerMoved, Data: NewPublicPlayer(p)})
}

// UpdateProfile replaces the player's profile and display name, persists the
// profile in the background and notifies the room and the sender.
func (h *Handler) UpdateProfile(profile *session.Profile) {
	if h.currentRoom == "" {
		return
	}

	name := UnknownName
	if profile != nil && profile.Username != "" {
		name = profile.Username
	}

	p, ok := h.svc.registry.UpdateOwned(h.currentRoom, h.currentIdentity, h.conn, session.Patch{
		DisplayName: session.Set(name),
		Profile:     session.Set(profile),
	})
	if !ok {
		h.superseded()
		return
	}

	h.svc.upsertAsync(h.ctx, p.Identity, directory.ReplacementFields(profile))

	h.svc.router.Broadcast(h.currentRoom, h.conn, Event{
		Name: EventPlayerProfileUpdated,
		Data: PlayerProfileUpdated{ID: p.Identity, Profile: p.Profile, Name: name},
	})
	h.send(Event{Name: EventProfileUpdated, Data: ProfileUpdated{Profile: p.Profile, Name: name}})
}

// Interact relays an object interaction to the room.
func (h *Handler) Interact(req InteractRequest) {
	if err := req.Validate(); err != nil {
		h.reject("Invalid interact data", err)
		return
	}
	if h.currentRoom == "" {
		return
	}
	h.svc.router.Broadcast(h.currentRoom, h.conn, Event{
		Name: EventPlayerInteracted,
		Data: PlayerInteracted{PlayerID: h.currentIdentity, ObjectID: req.ObjectID, Action: req.Action},
	})
}

// Leave removes the player from its room and returns the handler to idle.
// Calling Leave while idle is a no-op.
func (h *Handler) Leave() {
	if h.currentRoom == "" {
		return
	}
	roomID, identity := h.currentRoom, h.currentIdentity
	h.currentRoom, h.currentIdentity = "", ""

	h.svc.router.Detach(roomID, h.conn)
	if _, ok := h.svc.registry.RemoveOwned(roomID, identity, h.conn); !ok {
		h.logger.Debug("leave from superseded connection",
			zap.String("room", roomID),
			zap.String("identity", identity),
		)
		return
	}
	h.svc.router.Broadcast(roomID, h.conn, Event{Name: EventPlayerLeft, Data: PlayerLeft{ID: identity}})
}

// Disconnect runs the leave transition, removes anything the connection still
// owns and unregisters it from the router. It is safe to call more than once.
func (h *Handler) Disconnect() {
	h.Leave()
	h.svc.Evict(h.conn)
	h.svc.router.Unregister(h.conn)
}

// superseded returns the handler to idle after a newer connection took over
// its identity.
func (h *Handler) superseded() {
	h.logger.Info("connection superseded",
		zap.String("room", h.currentRoom),
		zap.String("identity", h.currentIdentity),
	)
	h.svc.router.Detach(h.currentRoom, h.conn)
	h.currentRoom, h.currentIdentity = "", ""
}

func (h *Handler) send(evt Event) {
	h.svc.router.Send(h.conn, evt)
}

func (h *Handler) reject(message string, err error) {
	h.logger.Debug("rejecting event", zap.String("message", message), zap.Error(err))
	h.send(Event{Name: EventError, Data: ErrorMessage{Message: message}})
}

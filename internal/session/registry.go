package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomSummary is a read-only view of a room for diagnostics.
type RoomSummary struct {
	ID        string    `json:"id"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

type room struct {
	id        string
	members   map[string]*Player // identity → player
	createdAt time.Time
}

func (r *room) summary() RoomSummary {
	return RoomSummary{ID: r.id, Members: len(r.members), CreatedAt: r.createdAt}
}

type location struct {
	roomID   string
	identity string
}

// Registry is the authoritative store of rooms and their players.
// All methods are safe for concurrent use.
//
// Invariant: an identity is stored in at most one room, and a room is present
// only while it has at least one member (rooms created through GetOrCreateRoom
// are the one exception until their first member leaves).
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	byIdentity map[string]string   // identity → roomID
	byConn     map[ConnID]location // connection → player

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt and JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger attaches a logger for room lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:      make(map[string]*room),
		byIdentity: make(map[string]string),
		byConn:     make(map[ConnID]location),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateRoom returns the room with the given id, creating an empty one
// if it does not exist.
//
// Postcondition: The room exists in the registry.
func (r *Registry) GetOrCreateRoom(roomID string) RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(roomID).summary()
}

func (r *Registry) getOrCreateLocked(roomID string) *room {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			members:   make(map[string]*Player),
			createdAt: r.now(),
		}
		r.rooms[roomID] = rm
		r.logger.Info("room created", zap.String("room", roomID))
	}
	return rm
}

// AddPlayer stores p as the member p.Identity of roomID, creating the room if
// needed and overwriting any entry already held for that identity in roomID.
//
// If the identity currently occupies a different room, it is removed from
// that room first. Either way the entry that p displaced is returned with
// displaced == true; prev.RoomID tells a same-room overwrite from an eviction.
//
// Precondition: p.Identity must be non-empty.
// Postcondition: p.Identity occupies exactly roomID; the stored player's
// RoomID is roomID and JoinedAt is set.
func (r *Registry) AddPlayer(roomID string, p Player) (prev Player, displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevRoom, ok := r.byIdentity[p.Identity]; ok && prevRoom != roomID {
		if removed, ok := r.removeLocked(prevRoom, p.Identity); ok {
			prev, displaced = removed.clone(), true
		}
	}

	rm := r.getOrCreateLocked(roomID)
	if existing, ok := rm.members[p.Identity]; ok {
		if existing.Conn != p.Conn {
			delete(r.byConn, existing.Conn)
		}
		prev, displaced = existing.clone(), true
	}

	stored := p.clone()
	stored.RoomID = roomID
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = r.now()
	}
	rm.members[p.Identity] = &stored
	r.byIdentity[p.Identity] = roomID
	if stored.Conn != "" {
		r.byConn[stored.Conn] = location{roomID: roomID, identity: p.Identity}
	}

	r.logger.Info("player joined room",
		zap.String("room", roomID),
		zap.String("identity", p.Identity),
		zap.Int("members", len(rm.members)),
	)
	return prev, displaced
}

// RemovePlayer deletes identity from roomID and deletes the room when it
// becomes empty. Removing an absent room or identity is a no-op.
//
// Postcondition: Returns the removed player, or (Player{}, false) if absent.
func (r *Registry) RemovePlayer(roomID, identity string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.removeLocked(roomID, identity)
	if !ok {
		return Player{}, false
	}
	return p.clone(), true
}

// RemoveOwned behaves like RemovePlayer but only removes the entry when it is
// still owned by conn. A connection that has been superseded by a reconnect
// or a join elsewhere gets (Player{}, false) and the registry is unchanged.
func (r *Registry) RemoveOwned(roomID, identity string, conn ConnID) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.lookupLocked(roomID, identity); !ok || p.Conn != conn {
		return Player{}, false
	}
	p, _ := r.removeLocked(roomID, identity)
	return p.clone(), true
}

func (r *Registry) removeLocked(roomID, identity string) (*Player, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p, ok := rm.members[identity]
	if !ok {
		return nil, false
	}

	delete(rm.members, identity)
	if r.byIdentity[identity] == roomID {
		delete(r.byIdentity, identity)
	}
	if loc, ok := r.byConn[p.Conn]; ok && loc.roomID == roomID && loc.identity == identity {
		delete(r.byConn, p.Conn)
	}

	r.logger.Info("player left room",
		zap.String("room", roomID),
		zap.String("identity", identity),
		zap.Int("members", len(rm.members)),
	)

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Info("room deleted", zap.String("room", roomID))
	}
	return p, true
}

func (r *Registry) lookupLocked(roomID, identity string) (*Player, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p, ok := rm.members[identity]
	return p, ok
}

// GetPlayer returns a copy of the stored player.
//
// Postcondition: Returns (player, true) if found, or (Player{}, false) otherwise.
func (r *Registry) GetPlayer(roomID, identity string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.lookupLocked(roomID, identity)
	if !ok {
		return Player{}, false
	}
	return p.clone(), true
}

// ListPlayers returns a snapshot of the room's members in unspecified order.
// An absent room yields an empty slice.
func (r *Registry) ListPlayers(roomID string) []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []Player{}
	}
	out := make([]Player, 0, len(rm.members))
	for _, p := range rm.members {
		out = append(out, p.clone())
	}
	return out
}

// UpdatePlayer merges patch into the stored player and returns the result.
//
// Postcondition: Returns the post-update player, or (Player{}, false) if the
// room or identity is absent.
func (r *Registry) UpdatePlayer(roomID, identity string, patch Patch) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.lookupLocked(roomID, identity)
	if !ok {
		return Player{}, false
	}
	patch.apply(p)
	return p.clone(), true
}

// UpdateOwned is UpdatePlayer restricted to the connection that owns the entry.
func (r *Registry) UpdateOwned(roomID, identity string, conn ConnID, patch Patch) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.lookupLocked(roomID, identity)
	if !ok || p.Conn != conn {
		return Player{}, false
	}
	patch.apply(p)
	return p.clone(), true
}

// FindByConnection resolves the player currently owned by conn.
//
// Postcondition: Returns the room summary and player, or ok == false.
func (r *Registry) FindByConnection(conn ConnID) (RoomSummary, Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, ok := r.byConn[conn]
	if !ok {
		return RoomSummary{}, Player{}, false
	}
	rm, ok := r.rooms[loc.roomID]
	if !ok {
		return RoomSummary{}, Player{}, false
	}
	p, ok := rm.members[loc.identity]
	if !ok {
		return RoomSummary{}, Player{}, false
	}
	return rm.summary(), p.clone(), true
}

// RoomOf returns the room the identity currently occupies.
func (r *Registry) RoomOf(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byIdentity[identity]
	return roomID, ok
}

// Rooms returns a summary of every room.
func (r *Registry) Rooms() []RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.summary())
	}
	return out
}

// RoomCount returns the number of rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// TotalPlayerCount returns the number of players across all rooms.
func (r *Registry) TotalPlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rm := range r.rooms {
		count += len(rm.members)
	}
	return count
}

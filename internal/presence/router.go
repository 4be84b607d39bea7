package presence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/session"
)

// Router delivers outbound events to the connections associated with a room.
type Router interface {
	// Register makes box reachable through Send.
	Register(box *Outbox)
	// Unregister forgets conn and removes it from every room group.
	Unregister(conn session.ConnID)
	// Attach associates box with the room's broadcast group.
	Attach(roomID string, box *Outbox)
	// Detach removes conn from the room's broadcast group.
	Detach(roomID string, conn session.ConnID)
	// Broadcast delivers evt to every member of the room except exclude.
	Broadcast(roomID string, exclude session.ConnID, evt Event)
	// Send delivers evt to a single connection.
	Send(conn session.ConnID, evt Event)
	// ConnectionCount returns the number of registered connections.
	ConnectionCount() int
}

// Groups is the in-process Router. Connections are registered when they are
// accepted and attached to at most one room group at a time by the handler.
type Groups struct {
	mu     sync.RWMutex
	conns  map[session.ConnID]*Outbox
	rooms  map[string]map[session.ConnID]*Outbox
	logger *zap.Logger
}

// NewGroups creates an empty Groups router.
//
// Precondition: logger must be non-nil.
func NewGroups(logger *zap.Logger) *Groups {
	return &Groups{
		conns:  make(map[session.ConnID]*Outbox),
		rooms:  make(map[string]map[session.ConnID]*Outbox),
		logger: logger,
	}
}

// Register implements Router.
func (g *Groups) Register(box *Outbox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[box.ID()] = box
}

// Unregister implements Router.
func (g *Groups) Unregister(conn session.ConnID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.conns, conn)
	for roomID, members := range g.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
}

// Attach implements Router. An unregistered box is registered as a side effect.
func (g *Groups) Attach(roomID string, box *Outbox) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.conns[box.ID()] = box
	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[session.ConnID]*Outbox)
		g.rooms[roomID] = members
	}
	members[box.ID()] = box
}

// Detach implements Router.
func (g *Groups) Detach(roomID string, conn session.ConnID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.rooms[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(g.rooms, roomID)
	}
}

// Broadcast implements Router. The frame is encoded once and queued on each
// recipient's outbox without blocking.
func (g *Groups) Broadcast(roomID string, exclude session.ConnID, evt Event) {
	frame, err := Encode(evt)
	if err != nil {
		g.logger.Error("encoding broadcast", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	g.mu.RLock()
	targets := make([]*Outbox, 0, len(g.rooms[roomID]))
	for id, box := range g.rooms[roomID] {
		if id != exclude {
			targets = append(targets, box)
		}
	}
	g.mu.RUnlock()

	for _, box := range targets {
		if err := box.Push(frame); err != nil {
			g.logger.Warn("dropping broadcast",
				zap.String("room", roomID),
				zap.String("conn", string(box.ID())),
				zap.String("event", evt.Name),
				zap.Error(err),
			)
		}
	}
}

// Send implements Router.
func (g *Groups) Send(conn session.ConnID, evt Event) {
	frame, err := Encode(evt)
	if err != nil {
		g.logger.Error("encoding event", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	g.mu.RLock()
	box, ok := g.conns[conn]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("send to unknown connection", zap.String("conn", string(conn)))
		return
	}
	if err := box.Push(frame); err != nil {
		g.logger.Warn("dropping event",
			zap.String("conn", string(conn)),
			zap.String("event", evt.Name),
			zap.Error(err),
		)
	}
}

// Members returns the connections attached to a room.
func (g *Groups) Members(roomID string) []session.ConnID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]session.ConnID, 0, len(g.rooms[roomID]))
	for id := range g.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// ConnectionCount implements Router.
func (g *Groups) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

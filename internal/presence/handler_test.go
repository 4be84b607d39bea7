package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/cloudtown/internal/directory"
	"github.com/cory-johannsen/cloudtown/internal/session"
	"github.com/cory-johannsen/cloudtown/internal/spawn"
)

type failingDirectory struct {
	upserts atomic.Int32
}

func (f *failingDirectory) FindByIdentity(context.Context, string) (*directory.Record, error) {
	return nil, errors.New("directory unavailable")
}

func (f *failingDirectory) Upsert(context.Context, string, directory.Fields) error {
	f.upserts.Add(1)
	return errors.New("directory unavailable")
}

type harness struct {
	t        *testing.T
	svc      *Service
	registry *session.Registry
	groups   *Groups
}

func newHarness(t *testing.T, dir directory.UserDirectory, logger *zap.Logger) *harness {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	registry := session.NewRegistry()
	groups := NewGroups(logger)
	// 100 of Intn(200) is a zero offset, so every join lands on the anchor.
	spawner := spawn.NewSpawner(spawn.Area{
		Anchor: spawn.Point{X: spawn.DefaultAnchorX, Y: spawn.DefaultAnchorY},
		Spread: spawn.DefaultSpread,
	}, spawn.NewSequenceSource(100))
	svc := NewService(registry, groups, dir, spawner, logger)
	return &harness{t: t, svc: svc, registry: registry, groups: groups}
}

type client struct {
	t   *testing.T
	h   *Handler
	box *Outbox
}

func (hs *harness) connect(id string) *client {
	return hs.connectCtx(context.Background(), id)
}

func (hs *harness) connectCtx(ctx context.Context, id string) *client {
	box := NewOutbox(session.ConnID(id), 32)
	return &client{t: hs.t, h: hs.svc.Open(ctx, box), box: box}
}

func (c *client) join(roomID, identity, name string) {
	c.h.Join(JoinRequest{RoomID: roomID, UserID: identity, UserName: name})
}

func (c *client) frames() []Frame {
	c.t.Helper()
	var out []Frame
	for {
		select {
		case raw, ok := <-c.box.Frames():
			if !ok {
				return out
			}
			var f Frame
			require.NoError(c.t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func (c *client) only(name string) []Frame {
	var out []Frame
	for _, f := range c.frames() {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func payload[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func float(v float64) *float64 { return &v }

func TestHandler_JoinSnapshotsAndAnnounces(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")

	alice.join("townA", "u1", "Alice")
	aliceFrames := alice.frames()
	require.Len(t, aliceFrames, 1)
	assert.Equal(t, EventJoinedRoom, aliceFrames[0].Event)
	assert.Empty(t, payload[JoinedRoom](t, aliceFrames[0]).Players)

	bob.join("townA", "u2", "Bob")
	bobFrames := bob.frames()
	require.Len(t, bobFrames, 1)
	joined := payload[JoinedRoom](t, bobFrames[0])
	require.Len(t, joined.Players, 1)
	assert.Equal(t, PublicPlayer{
		ID:        "u1",
		Name:      "Alice",
		X:         spawn.DefaultAnchorX,
		Y:         spawn.DefaultAnchorY,
		Direction: session.DirectionDown,
	}, joined.Players[0])

	announced := alice.only(EventPlayerJoined)
	require.Len(t, announced, 1)
	assert.Equal(t, "u2", payload[PublicPlayer](t, announced[0]).ID)

	state, identity, ok := bob.h.State()
	assert.True(t, ok)
	assert.Equal(t, "townA", state)
	assert.Equal(t, "u2", identity)
	assert.ElementsMatch(t, []session.ConnID{"c1", "c2"}, hs.groups.Members("townA"))
}

func TestHandler_JoinSecondRoomLeavesFirst(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	alice.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	alice.frames()
	bob.frames()

	alice.join("townB", "u1", "Alice")

	_, ok := hs.registry.GetPlayer("townA", "u1")
	assert.False(t, ok)
	_, ok = hs.registry.GetPlayer("townB", "u1")
	assert.True(t, ok)

	left := bob.only(EventPlayerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, PlayerLeft{ID: "u1"}, payload[PlayerLeft](t, left[0]))
	assert.Equal(t, []session.ConnID{"c2"}, hs.groups.Members("townA"))
}

func TestHandler_JoinSecondRoomDeletesEmptyRoom(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice := hs.connect("c1")

	alice.join("townA", "u1", "Alice")
	alice.join("townB", "u1", "Alice")

	_, ok := hs.registry.RoomOf("u1")
	require.True(t, ok)
	rooms := hs.registry.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "townB", rooms[0].ID)
}

func TestHandler_MoveRelaysExactFields(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	alice.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	alice.frames()
	bob.frames()

	alice.h.Move(MoveRequest{X: float(10), Y: float(20), Direction: session.DirectionLeft, IsMoving: true})

	moved := bob.only(EventPlayerMoved)
	require.Len(t, moved, 1)
	pub := payload[PublicPlayer](t, moved[0])
	assert.Equal(t, "u1", pub.ID)
	assert.Equal(t, 10.0, pub.X)
	assert.Equal(t, 20.0, pub.Y)
	assert.Equal(t, session.DirectionLeft, pub.Direction)
	assert.True(t, pub.IsMoving)
	assert.Empty(t, alice.frames())

	stored, ok := hs.registry.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, 10.0, stored.X)
	assert.Equal(t, 20.0, stored.Y)
}

func TestHandler_DoubleDisconnectBroadcastsOnce(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	alice.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	bob.frames()

	alice.h.Leave()
	alice.h.Disconnect()
	alice.h.Disconnect()

	assert.Len(t, bob.only(EventPlayerLeft), 1)
	_, ok := hs.registry.GetPlayer("townA", "u1")
	assert.False(t, ok)
	assert.Equal(t, 1, hs.groups.ConnectionCount())
}

func TestHandler_JoinThenLeaveRestoresRegistry(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice := hs.connect("c1")

	alice.join("townA", "u1", "Alice")
	alice.h.Leave()

	assert.Equal(t, 0, hs.registry.RoomCount())
	assert.Equal(t, 0, hs.registry.TotalPlayerCount())
	assert.Empty(t, hs.groups.Members("townA"))
	_, _, ok := alice.h.State()
	assert.False(t, ok)
}

func TestHandler_UpdateProfileSurvivesDirectoryFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	dir := &failingDirectory{}
	hs := newHarness(t, dir, zap.New(core))
	alice, bob := hs.connect("c1"), hs.connect("c2")
	alice.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	alice.frames()
	bob.frames()

	profile := &session.Profile{Username: "alice", About: "hi", GitHub: "alice-gh"}
	alice.h.UpdateProfile(profile)
	hs.svc.Wait()

	acks := alice.only(EventProfileUpdated)
	require.Len(t, acks, 1)
	assert.Equal(t, ProfileUpdated{Profile: profile, Name: "alice"}, payload[ProfileUpdated](t, acks[0]))

	updates := bob.only(EventPlayerProfileUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, PlayerProfileUpdated{ID: "u1", Profile: profile, Name: "alice"},
		payload[PlayerProfileUpdated](t, updates[0]))

	stored, ok := hs.registry.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, "alice", stored.DisplayName)
	assert.Equal(t, profile, stored.Profile)
	assert.Equal(t, int32(1), dir.upserts.Load())
	assert.Equal(t, 1, logs.FilterMessage("user directory upsert failed").Len())
}

func TestHandler_UpdateProfileWithoutUsernameUsesUnknown(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice := hs.connect("c1")
	alice.h.Join(JoinRequest{
		RoomID:      "townA",
		UserID:      "u1",
		UserName:    "Alice",
		UserProfile: &session.Profile{Username: "alice"},
	})
	alice.frames()

	alice.h.UpdateProfile(nil)
	hs.svc.Wait()

	acks := alice.only(EventProfileUpdated)
	require.Len(t, acks, 1)
	ack := payload[ProfileUpdated](t, acks[0])
	assert.Equal(t, UnknownName, ack.Name)
	assert.Nil(t, ack.Profile)

	stored, ok := hs.registry.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, UnknownName, stored.DisplayName)
	assert.Nil(t, stored.Profile)
}

func TestHandler_JoinUsesDirectoryRecord(t *testing.T) {
	dir := directory.NewMemory()
	username, about := "alice-stored", "from the directory"
	require.NoError(t, dir.Upsert(context.Background(), "u1", directory.Fields{Username: &username, About: &about}))

	hs := newHarness(t, dir, nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	bob.join("townA", "u2", "Bob")
	bob.frames()

	alice.h.Join(JoinRequest{
		RoomID:      "townA",
		UserID:      "u1",
		UserName:    "Alice",
		UserProfile: &session.Profile{Username: "client", About: "client value"},
	})

	joined := alice.only(EventJoinedRoom)
	require.Len(t, joined, 1)
	my := payload[JoinedRoom](t, joined[0]).MyProfile
	require.NotNil(t, my)
	assert.Equal(t, "alice-stored", my.Username)
	assert.Equal(t, "from the directory", my.About)

	announced := bob.only(EventPlayerJoined)
	require.Len(t, announced, 1)
	assert.Equal(t, "alice-stored", payload[PublicPlayer](t, announced[0]).Name)
}

func TestHandler_UpdateProfileClearsStoredLinks(t *testing.T) {
	dir := directory.NewMemory()
	hs := newHarness(t, dir, nil)
	alice := hs.connect("c1")

	alice.h.Join(JoinRequest{
		RoomID:      "townA",
		UserID:      "u1",
		UserName:    "Alice",
		UserProfile: &session.Profile{Username: "Alice", About: "hi", LinkedIn: "li-old", GitHub: "gh-alice"},
	})
	hs.svc.Wait()
	alice.frames()

	alice.h.UpdateProfile(&session.Profile{Username: "Alice", About: "hi", GitHub: "gh-alice"})
	hs.svc.Wait()
	alice.h.Leave()
	alice.frames()

	rec, err := dir.FindByIdentity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, rec.LinkedIn)
	assert.Equal(t, "gh-alice", rec.GitHub)

	alice.join("townA", "u1", "Alice")
	joined := alice.only(EventJoinedRoom)
	require.Len(t, joined, 1)
	my := payload[JoinedRoom](t, joined[0]).MyProfile
	require.NotNil(t, my)
	assert.Empty(t, my.LinkedIn)
	assert.Equal(t, "gh-alice", my.GitHub)
	assert.Equal(t, "hi", my.About)
}

func TestHandler_JoinRegistersUnknownIdentity(t *testing.T) {
	dir := directory.NewMemory()
	hs := newHarness(t, dir, nil)
	alice := hs.connect("c1")

	alice.h.Join(JoinRequest{
		RoomID:      "townA",
		UserID:      "u1",
		UserName:    "Alice",
		UserProfile: &session.Profile{About: "new here", Twitter: "@alice"},
	})
	hs.svc.Wait()

	rec, err := dir.FindByIdentity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Username)
	assert.Equal(t, "new here", rec.About)
	assert.Equal(t, "@alice", rec.Twitter)

	joined := alice.only(EventJoinedRoom)
	require.Len(t, joined, 1)
	assert.Equal(t, "new here", payload[JoinedRoom](t, joined[0]).MyProfile.About)
}

func TestHandler_JoinWithDirectoryDownUsesClientValues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hs := newHarness(t, &failingDirectory{}, zap.New(core))
	alice := hs.connect("c1")

	alice.join("townA", "u1", "Alice")

	stored, ok := hs.registry.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", stored.DisplayName)
	assert.Len(t, alice.only(EventJoinedRoom), 1)
	assert.Equal(t, 1, logs.FilterMessage("user directory lookup failed").Len())
}

func TestHandler_JoinAbandonedWhenConnectionCancelled(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	alice := hs.connectCtx(ctx, "c1")

	alice.join("townA", "u1", "Alice")

	assert.Equal(t, 0, hs.registry.RoomCount())
	assert.Empty(t, alice.frames())
	_, _, ok := alice.h.State()
	assert.False(t, ok)
}

func TestHandler_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		message string
	}{
		{"join missing name", `{"event":"joinRoom","data":{"roomId":"townA","userId":"u1"}}`, "Invalid join data"},
		{"join bad payload", `{"event":"joinRoom","data":"nope"}`, "Invalid join data"},
		{"move missing y", `{"event":"move","data":{"x":1,"direction":"up"}}`, "Invalid move data"},
		{"move bad direction", `{"event":"playerMove","data":{"x":1,"y":2,"direction":"north"}}`, "Invalid move data"},
		{"interact missing action", `{"event":"interact","data":{"objectId":"desk"}}`, "Invalid interact data"},
		{"unknown event", `{"event":"dance","data":{}}`, "unknown event dance"},
		{"not json", `hello`, "Invalid message"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs := newHarness(t, directory.NewMemory(), nil)
			alice := hs.connect("c1")
			alice.join("townA", "u1", "Alice")
			alice.frames()
			before, _ := hs.registry.GetPlayer("townA", "u1")

			alice.h.Dispatch([]byte(tc.frame))

			frames := alice.frames()
			require.Len(t, frames, 1)
			assert.Equal(t, EventError, frames[0].Event)
			assert.Equal(t, tc.message, payload[ErrorMessage](t, frames[0]).Message)
			after, _ := hs.registry.GetPlayer("townA", "u1")
			assert.Equal(t, before, after)
		})
	}
}

func TestHandler_DispatchRoutesEvents(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")

	alice.h.Dispatch([]byte(`{"event":"joinRoom","data":{"roomId":"townA","userId":"u1","userName":"Alice","userImage":"cat.png"}}`))
	bob.h.Dispatch([]byte(`{"event":"joinRoom","data":{"roomId":"townA","userId":"u2","userName":"Bob"}}`))
	alice.frames()
	bob.frames()

	alice.h.Dispatch([]byte(`{"event":"playerMove","data":{"x":5,"y":6,"direction":"right","isMoving":true}}`))
	alice.h.Dispatch([]byte(`{"event":"interact","data":{"objectId":"desk","action":"sit"}}`))
	alice.h.Dispatch([]byte(`{"event":"leaveRoom"}`))

	frames := bob.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, EventPlayerMoved, frames[0].Event)
	assert.Equal(t, "cat.png", payload[PublicPlayer](t, frames[0]).Image)
	assert.Equal(t, EventPlayerInteracted, frames[1].Event)
	assert.Equal(t, PlayerInteracted{PlayerID: "u1", ObjectID: "desk", Action: "sit"},
		payload[PlayerInteracted](t, frames[1]))
	assert.Equal(t, EventPlayerLeft, frames[2].Event)
	assert.Empty(t, alice.frames())
}

func TestHandler_IdleEventsAreNoOps(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice := hs.connect("c1")

	alice.h.Move(MoveRequest{X: float(1), Y: float(2), Direction: session.DirectionUp})
	alice.h.UpdateProfile(&session.Profile{Username: "alice"})
	alice.h.Interact(InteractRequest{ObjectID: "desk", Action: "sit"})
	alice.h.Leave()

	assert.Empty(t, alice.frames())
	assert.Equal(t, 0, hs.registry.RoomCount())
}

func TestHandler_ReconnectSupersedesOldConnection(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	oldConn, newConn, bob := hs.connect("c1"), hs.connect("c3"), hs.connect("c2")
	oldConn.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	newConn.join("townA", "u1", "Alice")
	oldConn.frames()
	bob.frames()

	oldConn.h.Move(MoveRequest{X: float(99), Y: float(99), Direction: session.DirectionUp})
	oldConn.h.Disconnect()

	stored, ok := hs.registry.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, session.ConnID("c3"), stored.Conn)
	assert.Equal(t, float64(spawn.DefaultAnchorX), stored.X)
	assert.Empty(t, bob.frames())
	assert.ElementsMatch(t, []session.ConnID{"c2", "c3"}, hs.groups.Members("townA"))
}

func TestHandler_JoinElsewhereEvictsOtherConnection(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	tab1, tab2, bob := hs.connect("c1"), hs.connect("c3"), hs.connect("c2")
	tab1.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	bob.frames()

	tab2.join("townB", "u1", "Alice")

	left := bob.only(EventPlayerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "u1", payload[PlayerLeft](t, left[0]).ID)
	assert.Equal(t, []session.ConnID{"c2"}, hs.groups.Members("townA"))

	tab1.h.Leave()
	assert.Empty(t, bob.frames())
	roomID, ok := hs.registry.RoomOf("u1")
	require.True(t, ok)
	assert.Equal(t, "townB", roomID)
}

func TestService_EvictRemovesOrphanedEntry(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	alice.join("townA", "u1", "Alice")
	bob.join("townA", "u2", "Bob")
	bob.frames()

	assert.True(t, hs.svc.Evict("c1"))
	assert.False(t, hs.svc.Evict("c1"))

	assert.Len(t, bob.only(EventPlayerLeft), 1)
	_, ok := hs.registry.GetPlayer("townA", "u1")
	assert.False(t, ok)
}

func TestService_Stats(t *testing.T) {
	hs := newHarness(t, directory.NewMemory(), nil)
	alice, bob := hs.connect("c1"), hs.connect("c2")
	hs.connect("c3")
	alice.join("townA", "u1", "Alice")
	bob.join("townB", "u2", "Bob")

	assert.Equal(t, Stats{Connections: 3, Rooms: 2, Players: 2}, hs.svc.Stats())
}

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newPlayer(identity, name string, conn ConnID) Player {
	return Player{
		Identity:    identity,
		Conn:        conn,
		DisplayName: name,
		X:           800,
		Y:           600,
		Facing:      DirectionDown,
	}
}

func identities(players []Player) []string {
	out := make([]string, 0, len(players))
	for _, p := range players {
		out = append(out, p.Identity)
	}
	return out
}

func TestRegistry_GetOrCreateRoom(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(WithClock(fixedClock(now)))

	rm := r.GetOrCreateRoom("townA")
	assert.Equal(t, "townA", rm.ID)
	assert.Equal(t, 0, rm.Members)
	assert.Equal(t, now, rm.CreatedAt)
	assert.Equal(t, 1, r.RoomCount())

	again := r.GetOrCreateRoom("townA")
	assert.Equal(t, rm, again)
	assert.Equal(t, 1, r.RoomCount())
}

func TestRegistry_AddPlayer(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(WithClock(fixedClock(now)))

	_, displaced := r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	assert.False(t, displaced)

	p, ok := r.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, "u1", p.Identity)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "townA", p.RoomID)
	assert.Equal(t, now, p.JoinedAt)
	assert.Equal(t, 1, r.RoomCount())
	assert.Equal(t, 1, r.TotalPlayerCount())
}

func TestRegistry_AddPlayerOverwritesSameRoom(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	prev, displaced := r.AddPlayer("townA", newPlayer("u1", "Alice2", "c2"))
	require.True(t, displaced)
	assert.Equal(t, "townA", prev.RoomID)
	assert.Equal(t, ConnID("c1"), prev.Conn)
	assert.Equal(t, "Alice", prev.DisplayName)

	p, ok := r.GetPlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, "Alice2", p.DisplayName)
	assert.Equal(t, ConnID("c2"), p.Conn)
	assert.Equal(t, 1, r.TotalPlayerCount())

	_, _, ok = r.FindByConnection("c1")
	assert.False(t, ok, "superseded connection must not resolve")
	_, found, ok := r.FindByConnection("c2")
	require.True(t, ok)
	assert.Equal(t, "u1", found.Identity)
}

func TestRegistry_AddPlayerEvictsOtherRoom(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))

	old, displaced := r.AddPlayer("townB", newPlayer("u1", "Alice", "c2"))
	require.True(t, displaced)
	assert.Equal(t, "townA", old.RoomID)
	assert.Equal(t, ConnID("c1"), old.Conn)

	_, ok := r.GetPlayer("townA", "u1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.RoomCount(), "townA must be deleted once empty")
	roomID, ok := r.RoomOf("u1")
	require.True(t, ok)
	assert.Equal(t, "townB", roomID)
}

func TestRegistry_RemovePlayer(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	r.AddPlayer("townA", newPlayer("u2", "Bob", "c2"))

	p, ok := r.RemovePlayer("townA", "u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, 1, r.RoomCount())
	assert.Equal(t, []string{"u2"}, identities(r.ListPlayers("townA")))

	_, ok = r.RemovePlayer("townA", "u2")
	require.True(t, ok)
	assert.Equal(t, 0, r.RoomCount())
	assert.Empty(t, r.ListPlayers("townA"))
}

func TestRegistry_RemovePlayerAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	_, ok := r.RemovePlayer("nowhere", "u1")
	assert.False(t, ok)

	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	_, ok = r.RemovePlayer("townA", "ghost")
	assert.False(t, ok)
	_, ok = r.RemovePlayer("townA", "u1")
	assert.True(t, ok)
	_, ok = r.RemovePlayer("townA", "u1")
	assert.False(t, ok)
}

func TestRegistry_RemoveOwned(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c2"))

	_, ok := r.RemoveOwned("townA", "u1", "c1")
	assert.False(t, ok, "stale connection must not remove the newer entry")
	_, ok = r.GetPlayer("townA", "u1")
	assert.True(t, ok)

	_, ok = r.RemoveOwned("townA", "u1", "c2")
	assert.True(t, ok)
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistry_JoinThenLeaveRestoresState(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	r.RemovePlayer("townA", "u1")

	assert.Equal(t, 0, r.RoomCount())
	assert.Equal(t, 0, r.TotalPlayerCount())
	assert.Empty(t, r.Rooms())
	_, ok := r.RoomOf("u1")
	assert.False(t, ok)
	_, _, ok = r.FindByConnection("c1")
	assert.False(t, ok)
}

func TestRegistry_UpdatePlayer(t *testing.T) {
	r := NewRegistry()
	p := newPlayer("u1", "Alice", "c1")
	p.AvatarRef = "cat.png"
	p.Profile = &Profile{Username: "Alice", About: "hi"}
	r.AddPlayer("townA", p)

	updated, ok := r.UpdatePlayer("townA", "u1", Patch{
		X:      Set(10.0),
		Y:      Set(20.0),
		Facing: Set(DirectionLeft),
		Moving: Set(true),
	})
	require.True(t, ok)
	assert.Equal(t, 10.0, updated.X)
	assert.Equal(t, 20.0, updated.Y)
	assert.Equal(t, DirectionLeft, updated.Facing)
	assert.True(t, updated.Moving)
	assert.Equal(t, "Alice", updated.DisplayName, "omitted fields stay untouched")
	assert.Equal(t, "cat.png", updated.AvatarRef)
	require.NotNil(t, updated.Profile)
	assert.Equal(t, "hi", updated.Profile.About)

	stored, _ := r.GetPlayer("townA", "u1")
	assert.Equal(t, updated, stored)
}

func TestRegistry_UpdatePlayerExplicitClear(t *testing.T) {
	r := NewRegistry()
	p := newPlayer("u1", "Alice", "c1")
	p.AvatarRef = "cat.png"
	p.Profile = &Profile{Username: "Alice"}
	r.AddPlayer("townA", p)

	updated, ok := r.UpdatePlayer("townA", "u1", Patch{
		Profile:   Set[*Profile](nil),
		AvatarRef: Set(""),
	})
	require.True(t, ok)
	assert.Nil(t, updated.Profile)
	assert.Empty(t, updated.AvatarRef)
}

func TestRegistry_UpdatePlayerAbsent(t *testing.T) {
	r := NewRegistry()
	_, ok := r.UpdatePlayer("townA", "u1", Patch{X: Set(1.0)})
	assert.False(t, ok)
	assert.Equal(t, 0, r.RoomCount(), "update must not create rooms")
}

func TestRegistry_UpdateOwned(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))

	_, ok := r.UpdateOwned("townA", "u1", "other", Patch{X: Set(1.0)})
	assert.False(t, ok)
	p, ok := r.UpdateOwned("townA", "u1", "c1", Patch{X: Set(1.0)})
	require.True(t, ok)
	assert.Equal(t, 1.0, p.X)
}

func TestRegistry_ReturnedPlayersAreCopies(t *testing.T) {
	r := NewRegistry()
	p := newPlayer("u1", "Alice", "c1")
	p.Profile = &Profile{Username: "Alice"}
	r.AddPlayer("townA", p)

	got, _ := r.GetPlayer("townA", "u1")
	got.DisplayName = "Mallory"
	got.Profile.Username = "Mallory"
	p.Profile.Username = "Eve"

	stored, _ := r.GetPlayer("townA", "u1")
	assert.Equal(t, "Alice", stored.DisplayName)
	assert.Equal(t, "Alice", stored.Profile.Username)
}

func TestRegistry_FindByConnection(t *testing.T) {
	r := NewRegistry()
	r.AddPlayer("townA", newPlayer("u1", "Alice", "c1"))
	r.AddPlayer("townB", newPlayer("u2", "Bob", "c2"))

	rm, p, ok := r.FindByConnection("c2")
	require.True(t, ok)
	assert.Equal(t, "townB", rm.ID)
	assert.Equal(t, 1, rm.Members)
	assert.Equal(t, "u2", p.Identity)

	_, _, ok = r.FindByConnection("missing")
	assert.False(t, ok)
}

func TestRegistry_ListPlayers(t *testing.T) {
	r := NewRegistry()
	const n = 5
	for i := 0; i < n; i++ {
		r.AddPlayer("townA", newPlayer(fmt.Sprintf("u%d", i), "P", ConnID(fmt.Sprintf("c%d", i))))
	}
	assert.ElementsMatch(t, []string{"u0", "u1", "u2", "u3", "u4"}, identities(r.ListPlayers("townA")))

	r.RemovePlayer("townA", "u3")
	assert.ElementsMatch(t, []string{"u0", "u1", "u2", "u4"}, identities(r.ListPlayers("townA")))
	assert.NotNil(t, r.ListPlayers("empty"))
	assert.Empty(t, r.ListPlayers("empty"))
}

func TestRegistry_ConcurrentJoinsAndLeaves(t *testing.T) {
	r := NewRegistry()
	const n = 100
	rooms := []string{"townA", "townB", "townC"}
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", i)
			r.AddPlayer(rooms[i%len(rooms)], newPlayer(uid, uid, ConnID("c"+uid)))
			r.AddPlayer(rooms[(i+1)%len(rooms)], newPlayer(uid, uid, ConnID("c"+uid)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.TotalPlayerCount())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", i)
			r.RemovePlayer(rooms[(i+1)%len(rooms)], uid)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.TotalPlayerCount())
	assert.Equal(t, 0, r.RoomCount())
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opUpdate
)

// Property: under any sequence of joins, leaves and updates, each identity is
// in at most one room, every room is non-empty, and the connection index agrees
// with the stored players.
func TestPropertyRegistryInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		rooms := []string{"townA", "townB", "townC"}
		ids := []string{"u1", "u2", "u3", "u4"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			kind := opKind(rapid.IntRange(0, 2).Draw(t, "op"))
			roomID := rapid.SampledFrom(rooms).Draw(t, "room")
			id := rapid.SampledFrom(ids).Draw(t, "identity")
			switch kind {
			case opJoin:
				conn := ConnID(fmt.Sprintf("%s-%d", id, i))
				r.AddPlayer(roomID, newPlayer(id, id, conn))
			case opLeave:
				r.RemovePlayer(roomID, id)
			case opUpdate:
				r.UpdatePlayer(roomID, id, Patch{X: Set(float64(i))})
			}

			seen := map[string]string{}
			total := 0
			for _, summary := range r.Rooms() {
				if summary.Members < 1 {
					t.Fatalf("room %q exists with %d members", summary.ID, summary.Members)
				}
				for _, p := range r.ListPlayers(summary.ID) {
					if prev, dup := seen[p.Identity]; dup {
						t.Fatalf("identity %q in both %q and %q", p.Identity, prev, summary.ID)
					}
					seen[p.Identity] = summary.ID
					if p.RoomID != summary.ID {
						t.Fatalf("player %q stored in %q reports room %q", p.Identity, summary.ID, p.RoomID)
					}
					rm, found, ok := r.FindByConnection(p.Conn)
					if !ok || rm.ID != summary.ID || found.Identity != p.Identity {
						t.Fatalf("connection index out of sync for %q", p.Identity)
					}
					total++
				}
			}
			if total != r.TotalPlayerCount() {
				t.Fatalf("TotalPlayerCount = %d, counted %d", r.TotalPlayerCount(), total)
			}
		}
	})
}

// Property: N distinct joins list N identities; removing one lists N-1.
func TestPropertyListPlayersCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		r := NewRegistry()
		for i := 0; i < n; i++ {
			r.AddPlayer("townA", newPlayer(fmt.Sprintf("u%d", i), "P", ConnID(fmt.Sprintf("c%d", i))))
		}
		if got := len(r.ListPlayers("townA")); got != n {
			t.Fatalf("ListPlayers = %d, want %d", got, n)
		}
		victim := rapid.IntRange(0, n-1).Draw(t, "victim")
		r.RemovePlayer("townA", fmt.Sprintf("u%d", victim))
		if got := len(r.ListPlayers("townA")); got != n-1 {
			t.Fatalf("ListPlayers after remove = %d, want %d", got, n-1)
		}
	})
}

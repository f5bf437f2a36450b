package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/dilemmalab/arena/internal/config"
)

func testRoomsConfig() config.RoomsConfig {
	return config.RoomsConfig{
		DefaultRoom:  "main",
		HistoryBound: 100,
		PoseInterval: 50 * time.Millisecond,
	}
}

type roomsFixture struct {
	rooms    *Rooms
	registry *Registry
}

func newRoomsFixture(t *testing.T, cfg config.RoomsConfig) *roomsFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return &roomsFixture{
		rooms:    NewRooms(cfg, logger),
		registry: NewRegistry("system", logger),
	}
}

func (f *roomsFixture) member(t *testing.T, name string) (*Conn, *fakeOutbox) {
	t.Helper()
	out := &fakeOutbox{}
	conn := f.registry.Connect(out, "127.0.0.1:1")
	require.NoError(t, f.registry.Authenticate(conn, name, ""))
	return conn, out
}

func TestJoinRequiresAuthentication(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	conn := f.registry.Connect(&fakeOutbox{}, "127.0.0.1:1")

	err := f.rooms.Join(conn, "main")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestJoinReplaysHistoryToJoinerOnly(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, aliceOut := f.member(t, "Alice")
	require.NoError(t, f.rooms.Join(alice, "main"))

	f.rooms.Record("main", NewEvent("main", "Alice", TypeMsg, "hello"))
	f.rooms.Record("main", NewEvent("main", "Alice", TypeMsg, "anyone?"))

	bert, bertOut := f.member(t, "Bert")
	require.NoError(t, f.rooms.Join(bert, "main"))

	// The joiner gets the replay, everyone else the join event.
	history := bertOut.eventsOf(TypeHistory)
	require.Len(t, history, 1)
	replayed, ok := history[0].Payload.([]Event)
	require.True(t, ok)
	assert.Len(t, replayed, 2)

	assert.Len(t, aliceOut.eventsOf(TypeJoin), 1)
	assert.Empty(t, bertOut.eventsOf(TypeJoin), "join broadcast skips the joiner")
}

func TestJoinTwiceRejected(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	require.NoError(t, f.rooms.Join(alice, "main"))

	err := f.rooms.Join(alice, "main")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestLeaveBroadcastsToRemaining(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, aliceOut := f.member(t, "Alice")
	bert, bertOut := f.member(t, "Bert")
	require.NoError(t, f.rooms.Join(alice, "main"))
	require.NoError(t, f.rooms.Join(bert, "main"))

	require.NoError(t, f.rooms.Leave(bert, "main", false))

	assert.Len(t, aliceOut.eventsOf(TypeLeave), 1)
	assert.Empty(t, bertOut.eventsOf(TypeLeave), "leave broadcast skips the leaver")
	assert.False(t, f.rooms.Member(bert, "main"))
}

func TestLeaveErrors(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")

	assert.ErrorIs(t, f.rooms.Leave(alice, "nowhere", false), ErrNoSuchRoom)
	assert.ErrorIs(t, f.rooms.Leave(alice, "main", false), ErrNotInRoom)
}

func TestForcedLeaveNotifiesMemberDirectly(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, aliceOut := f.member(t, "Alice")
	bert, bertOut := f.member(t, "Bert")
	require.NoError(t, f.rooms.Join(alice, "main"))
	require.NoError(t, f.rooms.Join(bert, "main"))

	require.NoError(t, f.rooms.Leave(bert, "main", true))

	assert.Len(t, bertOut.eventsOf(TypeKick), 1)
	assert.Empty(t, aliceOut.eventsOf(TypeLeave))
}

func TestNonDefaultRoomDestroyedWhenEmpty(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	require.NoError(t, f.rooms.Join(alice, "lab-7"))
	require.NoError(t, f.rooms.Leave(alice, "lab-7", false))

	listing := f.rooms.Listing()
	require.Len(t, listing, 1)
	assert.Equal(t, "main", listing[0].ID)
}

func TestDefaultRoomSurvivesEmpty(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	require.NoError(t, f.rooms.Join(alice, "main"))
	require.NoError(t, f.rooms.Leave(alice, "main", false))

	listing := f.rooms.Listing()
	require.Len(t, listing, 1)
	assert.Equal(t, "main", listing[0].ID)
}

func TestSingleRoomPolicyImpliesLeave(t *testing.T) {
	cfg := testRoomsConfig()
	cfg.SingleRoom = true
	f := newRoomsFixture(t, cfg)
	alice, _ := f.member(t, "Alice")

	require.NoError(t, f.rooms.Join(alice, "main"))
	require.NoError(t, f.rooms.Join(alice, "lab-7"))

	assert.Equal(t, []string{"lab-7"}, f.rooms.JoinedRooms(alice))
	assert.False(t, f.rooms.Member(alice, "main"))
}

func TestLeaveAllClearsEveryMembership(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	bert, bertOut := f.member(t, "Bert")
	require.NoError(t, f.rooms.Join(alice, "main"))
	require.NoError(t, f.rooms.Join(alice, "lab-7"))
	require.NoError(t, f.rooms.Join(bert, "main"))

	f.rooms.LeaveAll(alice)

	assert.Empty(t, f.rooms.JoinedRooms(alice))
	assert.Len(t, bertOut.eventsOf(TypeLeave), 1)
	listing := f.rooms.Listing()
	require.Len(t, listing, 1, "lab-7 destroyed once empty")
}

func TestListingSortedWithCounts(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	bert, _ := f.member(t, "Bert")
	require.NoError(t, f.rooms.Join(alice, "zeta"))
	require.NoError(t, f.rooms.Join(bert, "zeta"))
	require.NoError(t, f.rooms.Join(alice, "alpha"))

	listing := f.rooms.Listing()
	require.Len(t, listing, 3)
	assert.Equal(t, RoomListing{ID: "alpha", Members: 1}, listing[0])
	assert.Equal(t, RoomListing{ID: "main", Members: 0}, listing[1])
	assert.Equal(t, RoomListing{ID: "zeta", Members: 2}, listing[2])
}

func TestPoseSnapshotSkipsEmptyRooms(t *testing.T) {
	f := newRoomsFixture(t, testRoomsConfig())
	alice, _ := f.member(t, "Alice")
	require.NoError(t, f.rooms.Join(alice, "main"))

	p := Pose{Pos: Vec3{X: 1, Y: 2, Z: 3}}
	f.rooms.UpdateMemberPose(alice, "main", p)

	snap := f.rooms.PoseSnapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap["main"], 1)
	assert.Equal(t, "Alice", snap["main"][0].Name)
	assert.Equal(t, p, snap["main"][0].Pose)
}

// Membership stays consistent between the room's member set and the
// connection's joined set under any interleaving of joins and leaves.
func TestMembershipConsistency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newRoomsFixture(t, testRoomsConfig())

		conns := make([]*Conn, 3)
		for i := range conns {
			out := &fakeOutbox{}
			conns[i] = f.registry.Connect(out, "127.0.0.1:1")
			require.NoError(t, f.registry.Authenticate(conns[i], fmt.Sprintf("p%d", i), ""))
		}
		roomIDs := []string{"main", "lab-1", "lab-2"}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			conn := conns[rapid.IntRange(0, len(conns)-1).Draw(rt, "conn")]
			room := roomIDs[rapid.IntRange(0, len(roomIDs)-1).Draw(rt, "room")]
			if rapid.Bool().Draw(rt, "join") {
				_ = f.rooms.Join(conn, room)
			} else {
				_ = f.rooms.Leave(conn, room, false)
			}
		}

		for _, conn := range conns {
			joined := f.rooms.JoinedRooms(conn)
			for _, room := range joined {
				require.True(t, f.rooms.Member(conn, room))
				require.Contains(t, f.rooms.Members(room), conn)
			}
			for _, room := range roomIDs {
				inJoined := false
				for _, j := range joined {
					if j == room {
						inJoined = true
					}
				}
				require.Equal(t, inJoined, f.rooms.Member(conn, room))
			}
		}
	})
}

package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomID(t *testing.T) {
	tcases := []struct {
		name string
		a, b string
	}{
		{name: "simple ids", a: "alice", b: "bob"},
		{name: "ids with separators", a: "a:b", b: "c"},
		{name: "ids with escapes", a: "x%3Ay", b: "x:y"},
		{name: "same user", a: "alice", b: "alice"},
		{name: "empty id", a: "", b: "bob"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			room := RoomID(tc.a, tc.b)
			assert.Equal(t, room, RoomID(tc.b, tc.a), "expected room id to be symmetric")

			a, b, ok := Participants(room)
			assert.True(t, ok, "expected room id to parse")
			assert.ElementsMatch(t, []string{tc.a, tc.b}, []string{a, b}, "expected participants to round trip")
		})
	}
}

func TestRoomID_Injective(t *testing.T) {
	pairs := [][2]string{
		{"a:b", "c"},
		{"a", "b:c"},
		{"a", "b"},
		{"a b", "c"},
		{"a+b", "c"},
		{"a%20b", "c"},
		{"", "a:b"},
		{"a", ""},
	}

	seen := make(map[string][2]string)
	for _, p := range pairs {
		room := RoomID(p[0], p[1])
		if other, ok := seen[room]; ok {
			t.Errorf("expected distinct pairs %v and %v to produce distinct rooms, both got %q", p, other, room)
		}
		seen[room] = p
	}
}

func TestParticipants_Invalid(t *testing.T) {
	for _, room := range []string{"", "dm:", "dm:alice", "user:alice", "dm:%zz:bob", "dm:bob:alice"} {
		t.Run(room, func(t *testing.T) {
			_, _, ok := Participants(room)
			assert.False(t, ok, "expected %q not to parse as a dm room", room)
		})
	}
}

func TestIsParticipant(t *testing.T) {
	room := RoomID("alice", "bob")
	assert.True(t, IsParticipant(room, "alice"), "expected alice to be a participant")
	assert.True(t, IsParticipant(room, "bob"), "expected bob to be a participant")
	assert.False(t, IsParticipant(room, "carol"), "expected carol not to be a participant")
	assert.False(t, IsParticipant("user:alice", "alice"), "expected user channel not to be a dm room")
}

func TestCoordinator_JoinLeave(t *testing.T) {
	c := NewCoordinator()
	room := RoomID("alice", "bob")

	c.Attach("c1")
	c.Join("c1", room)
	c.Join("c2", room)
	assert.Equal(t, []string{"c1", "c2"}, c.Members(room), "expected both connections in room")

	c.Leave("c1", room)
	assert.Equal(t, []string{"c2"}, c.Members(room), "expected c1 to have left")

	c.Leave("c1", room)
	c.Leave("c9", room)
	assert.Equal(t, []string{"c2"}, c.Members(room), "expected repeated leaves to be no-ops")
}

func TestCoordinator_LeaveAllKeepsPinned(t *testing.T) {
	c := NewCoordinator()
	c.Attach("c1")
	c.Pin("c1", UserChannel("alice"))
	c.Join("c1", RoomID("alice", "bob"))
	c.Join("c1", RoomID("alice", "carol"))

	left := c.LeaveAll("c1")
	assert.ElementsMatch(t, []string{RoomID("alice", "bob"), RoomID("alice", "carol")}, left, "expected both rooms to be left")
	assert.Empty(t, c.Rooms("c1"), "expected no joined rooms")
	assert.Equal(t, []string{"c1"}, c.Members(ConnChannel("c1")), "expected conn channel to stay pinned")
	assert.Equal(t, []string{"c1"}, c.Members(UserChannel("alice")), "expected user channel to stay pinned")

	c.Leave("c1", UserChannel("alice"))
	assert.Equal(t, []string{"c1"}, c.Members(UserChannel("alice")), "expected Leave not to drop a pinned channel")
}

func TestCoordinator_SwitchRoom(t *testing.T) {
	c := NewCoordinator()
	ab := RoomID("alice", "bob")
	ac := RoomID("alice", "carol")

	c.Attach("c1")
	c.SwitchRoom("c1", ab)
	assert.Equal(t, []string{ab}, c.Rooms("c1"), "expected to be in alice/bob")

	left := c.SwitchRoom("c1", ac)
	assert.Equal(t, []string{ab}, left, "expected to leave alice/bob")
	assert.Equal(t, []string{ac}, c.Rooms("c1"), "expected to be only in alice/carol")
	assert.Empty(t, c.Members(ab), "expected alice/bob to be empty")
	assert.True(t, c.InRoom("c1", ConnChannel("c1")), "expected pinned channel to survive a switch")

	left = c.SwitchRoom("c1", ac)
	assert.Equal(t, []string{ac}, left, "expected switching into the same room to rejoin it")
	assert.Equal(t, []string{ac}, c.Rooms("c1"), "expected to remain in alice/carol")
}

func TestCoordinator_Detach(t *testing.T) {
	c := NewCoordinator()
	room := RoomID("alice", "bob")

	c.Attach("c1")
	c.Pin("c1", UserChannel("alice"))
	c.Join("c1", room)
	c.Attach("c2")
	c.Join("c2", room)

	c.Detach("c1")
	c.Detach("c1")

	assert.False(t, c.Attached("c1"), "expected c1 to be detached")
	assert.Equal(t, []string{"c2"}, c.Members(room), "expected only c2 to remain in room")
	assert.Empty(t, c.Members(UserChannel("alice")), "expected pinned channel to be dropped")
	assert.Empty(t, c.Members(ConnChannel("c1")), "expected conn channel to be dropped")
	assert.Empty(t, c.Rooms("c1"), "expected no rooms for a detached connection")
}

func TestCoordinator_MembersSnapshot(t *testing.T) {
	c := NewCoordinator()
	room := RoomID("alice", "bob")
	c.Join("c1", room)

	members := c.Members(room)
	c.Join("c2", room)
	members[0] = "mallory"

	assert.Equal(t, []string{"c1", "c2"}, c.Members(room), "expected snapshot to be independent of later changes")
}

func TestCoordinator_Concurrent(t *testing.T) {
	c := NewCoordinator()
	rooms := []string{RoomID("a", "b"), RoomID("a", "c"), RoomID("b", "c")}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			c.Attach(conn)
			for j := 0; j < 20; j++ {
				c.SwitchRoom(conn, rooms[(i+j)%len(rooms)])
				c.Members(rooms[j%len(rooms)])
			}
			if i%3 == 0 {
				c.Detach(conn)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, room := range rooms {
		total += len(c.Members(room))
	}
	assert.Equal(t, 20, total, "expected each attached connection to be in exactly one room")
	for i := 0; i < 30; i++ {
		conn := fmt.Sprintf("conn-%d", i)
		if i%3 == 0 {
			assert.False(t, c.Attached(conn), "expected %s to be detached", conn)
			continue
		}
		assert.Len(t, c.Rooms(conn), 1, "expected %s to be in a single room", conn)
	}
}

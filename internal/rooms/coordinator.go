package rooms

import (
	"net/url"
	"slices"
	"strings"
	"sync"
)

const (
	dmPrefix   = "dm:"
	userPrefix = "user:"
	connPrefix = "conn:"
)

// RoomID returns the id of the direct-message room shared by a and b. It is
// symmetric in its arguments, and each id is escaped so that distinct pairs
// never produce the same room.
func RoomID(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return dmPrefix + url.QueryEscape(ids[0]) + ":" + url.QueryEscape(ids[1])
}

// Participants parses a room id produced by RoomID.
func Participants(room string) (a, b string, ok bool) {
	rest, found := strings.CutPrefix(room, dmPrefix)
	if !found {
		return "", "", false
	}

	lo, hi, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}

	a, err := url.QueryUnescape(lo)
	if err != nil {
		return "", "", false
	}
	b, err = url.QueryUnescape(hi)
	if err != nil {
		return "", "", false
	}

	if RoomID(a, b) != room {
		return "", "", false
	}
	return a, b, true
}

func IsParticipant(room, user string) bool {
	a, b, ok := Participants(room)
	return ok && (a == user || b == user)
}

// UserChannel is the channel every connection of a user is pinned to.
func UserChannel(user string) string {
	return userPrefix + url.QueryEscape(user)
}

func ConnChannel(conn string) string {
	return connPrefix + url.QueryEscape(conn)
}

type membership struct {
	pinned map[string]struct{}
	joined map[string]struct{}
}

// Coordinator tracks which rooms each connection belongs to. Pinned channels
// survive LeaveAll and SwitchRoom and are only dropped by Detach.
type Coordinator struct {
	mu      sync.RWMutex
	conns   map[string]*membership
	members map[string]map[string]struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		conns:   make(map[string]*membership),
		members: make(map[string]map[string]struct{}),
	}
}

func (c *Coordinator) membershipFor(conn string) *membership {
	m, ok := c.conns[conn]
	if !ok {
		m = &membership{
			pinned: make(map[string]struct{}),
			joined: make(map[string]struct{}),
		}
		c.conns[conn] = m
	}
	return m
}

func (c *Coordinator) add(room, conn string) {
	set, ok := c.members[room]
	if !ok {
		set = make(map[string]struct{})
		c.members[room] = set
	}
	set[conn] = struct{}{}
}

func (c *Coordinator) remove(room, conn string) {
	if set, ok := c.members[room]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(c.members, room)
		}
	}
}

// Attach registers conn and pins it to its own channel.
func (c *Coordinator) Attach(conn string) {
	c.Pin(conn, ConnChannel(conn))
}

func (c *Coordinator) Pin(conn, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.membershipFor(conn)
	delete(m.joined, channel)
	m.pinned[channel] = struct{}{}
	c.add(channel, conn)
}

func (c *Coordinator) Join(conn, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.membershipFor(conn)
	if _, ok := m.pinned[room]; ok {
		return
	}
	m.joined[room] = struct{}{}
	c.add(room, conn)
}

func (c *Coordinator) Leave(conn, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.conns[conn]
	if !ok {
		return
	}
	if _, ok := m.joined[room]; ok {
		delete(m.joined, room)
		c.remove(room, conn)
	}
}

func (c *Coordinator) leaveAllLocked(conn string) []string {
	m, ok := c.conns[conn]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(m.joined))
	for room := range m.joined {
		c.remove(room, conn)
		left = append(left, room)
	}
	clear(m.joined)
	return left
}

// LeaveAll drops conn from every room it joined. Pinned channels are kept.
func (c *Coordinator) LeaveAll(conn string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveAllLocked(conn)
}

// SwitchRoom leaves every joined room and joins room in a single step, so no
// fan-out can observe conn in both its old and new conversation.
func (c *Coordinator) SwitchRoom(conn, room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	left := c.leaveAllLocked(conn)
	m := c.membershipFor(conn)
	if _, ok := m.pinned[room]; !ok {
		m.joined[room] = struct{}{}
		c.add(room, conn)
	}
	return left
}

// Detach removes every membership of conn, pinned channels included.
func (c *Coordinator) Detach(conn string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.conns[conn]
	if !ok {
		return
	}
	for room := range m.joined {
		c.remove(room, conn)
	}
	for room := range m.pinned {
		c.remove(room, conn)
	}
	delete(c.conns, conn)
}

// Members returns a snapshot of the connections in room.
func (c *Coordinator) Members(room string) []string {
	c.mu.RLock()
	set := c.members[room]
	conns := make([]string, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	slices.Sort(conns)
	return conns
}

// Rooms returns the rooms conn has joined, excluding pinned channels.
func (c *Coordinator) Rooms(conn string) []string {
	c.mu.RLock()
	m, ok := c.conns[conn]
	if !ok {
		c.mu.RUnlock()
		return []string{}
	}
	rooms := make([]string, 0, len(m.joined))
	for room := range m.joined {
		rooms = append(rooms, room)
	}
	c.mu.RUnlock()

	slices.Sort(rooms)
	return rooms
}

func (c *Coordinator) InRoom(conn, room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[room][conn]
	return ok
}

func (c *Coordinator) Attached(conn string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conns[conn]
	return ok
}

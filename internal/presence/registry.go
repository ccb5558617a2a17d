package presence

import (
	"slices"
	"sync"
)

// Registry maps each online user to the connection it last identified on.
// A second connection for the same user replaces the first; the replaced
// connection no longer owns the entry and its disconnect leaves it alone.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// RecordConnected maps user to conn. It returns the connection the user was
// previously mapped to and whether the user was already online.
func (r *Registry) RecordConnected(user, conn string) (prev string, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// a connection identifies as one user at a time
	if oldUser, ok := r.byConn[conn]; ok && oldUser != user {
		delete(r.byUser, oldUser)
	}

	prev, existed = r.byUser[user]
	if existed && prev != conn {
		delete(r.byConn, prev)
	}

	r.byUser[user] = conn
	r.byConn[conn] = user

	return prev, existed
}

// RecordDisconnected removes the entry owned by conn. It is a no-op when conn
// owns nothing, including when a newer connection has taken over its user.
func (r *Registry) RecordDisconnected(conn string) (user string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConn[conn]
	if !ok {
		return "", false
	}

	delete(r.byConn, conn)
	if r.byUser[user] == conn {
		delete(r.byUser, user)
		return user, true
	}

	return user, false
}

// ListOnline returns a sorted snapshot of the online users.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	r.mu.RUnlock()

	slices.Sort(users)
	return users
}

func (r *Registry) ConnectionFor(user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[user]
	return conn, ok
}

func (r *Registry) UserFor(conn string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[conn]
	return user, ok
}

func (r *Registry) IsOnline(user string) bool {
	_, ok := r.ConnectionFor(user)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

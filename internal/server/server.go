package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-dmchat/internal/presence"
	"github.com/npezzotti/go-dmchat/internal/rooms"
	"github.com/npezzotti/go-dmchat/internal/stats"
)

const mirrorTimeout = 2 * time.Second

type stopReq struct {
	done chan struct{}
}

// ChatServer is the connection gateway. It owns the client table and routes
// registry and room changes for every connection it accepts.
type ChatServer struct {
	log         *log.Logger
	presence    *presence.Registry
	rooms       *rooms.Coordinator
	stats       stats.StatsProvider
	mirror      presence.Mirror
	mirrorTTL   time.Duration
	mirrorLock  sync.Mutex
	clients     map[string]*Client
	clientsLock sync.RWMutex
	stop        chan stopReq
}

type Option func(*ChatServer)

// WithMirror copies registry changes to m. Online users are re-announced
// every ttl/2 so TTL based mirrors keep them listed.
func WithMirror(m presence.Mirror, ttl time.Duration) Option {
	return func(cs *ChatServer) {
		cs.mirror = m
		cs.mirrorTTL = ttl
	}
}

func NewChatServer(logger *log.Logger, registry *presence.Registry, coordinator *rooms.Coordinator, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:      logger,
		presence: registry,
		rooms:    coordinator,
		stats:    su,
		clients:  make(map[string]*Client),
		stop:     make(chan stopReq),
	}

	for _, opt := range opts {
		opt(cs)
	}

	for _, name := range stats.Gateway {
		cs.stats.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	var refresh <-chan time.Time
	if cs.mirror != nil && cs.mirrorTTL > 0 {
		ticker := time.NewTicker(cs.mirrorTTL / 2)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-refresh:
			cs.refreshMirror()
		case req := <-cs.stop:
			cs.log.Println("stopping clients")
			for _, c := range cs.getClients() {
				c.stopClient()
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case cs.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient adds a freshly accepted connection. The connection is
// reachable on its own channel but invisible to presence until it sends
// user-connected.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.rooms.Attach(c.id)
	cs.addClient(c)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c.id] = c
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	_, ok := cs.clients[c.id]
	delete(cs.clients, c.id)
	cs.clientsLock.Unlock()

	if ok {
		cs.stats.Decr(stats.NumActiveClients)
	}
}

func (cs *ChatServer) getClient(id string) (*Client, bool) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	c, ok := cs.clients[id]
	return c, ok
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) identify(c *Client, userId string) {
	prev, existed := cs.presence.RecordConnected(userId, c.id)
	if existed && prev != c.id {
		cs.log.Printf("user %s moved from connection %s to %s", userId, prev, c.id)
	}
	if !existed {
		cs.stats.Incr(stats.NumOnlineUsers)
	}

	cs.rooms.Pin(c.id, rooms.UserChannel(userId))
	cs.mirrorOnline(userId, c.id)
	cs.broadcastPresence()
}

func (cs *ChatServer) disconnect(c *Client) {
	user, removed := cs.presence.RecordDisconnected(c.id)
	cs.rooms.Detach(c.id)
	cs.removeClient(c)

	if removed {
		cs.stats.Decr(stats.NumOnlineUsers)
		cs.mirrorOffline(user)
		cs.broadcastPresence()
	}
}

// mirrorOnline announces user on conn unless the registry no longer maps
// user to conn by the time the mirror lock is held.
func (cs *ChatServer) mirrorOnline(userId, connId string) {
	if cs.mirror == nil {
		return
	}

	cs.mirrorLock.Lock()
	defer cs.mirrorLock.Unlock()

	if current, ok := cs.presence.ConnectionFor(userId); !ok || current != connId {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := cs.mirror.Online(ctx, userId, connId); err != nil {
		cs.log.Printf("mirror online %s: %v", userId, err)
	}
}

// mirrorOffline withdraws user unless another connection identified as user
// in the meantime.
func (cs *ChatServer) mirrorOffline(userId string) {
	if cs.mirror == nil {
		return
	}

	cs.mirrorLock.Lock()
	defer cs.mirrorLock.Unlock()

	if cs.presence.IsOnline(userId) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := cs.mirror.Offline(ctx, userId); err != nil {
		cs.log.Printf("mirror offline %s: %v", userId, err)
	}
}

func (cs *ChatServer) refreshMirror() {
	for _, user := range cs.presence.ListOnline() {
		if conn, ok := cs.presence.ConnectionFor(user); ok {
			cs.mirrorOnline(user, conn)
		}
	}
}

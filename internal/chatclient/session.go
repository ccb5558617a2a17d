package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/rooms"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	writeWait         = 10 * time.Second
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

var (
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrNotConnected     = errors.New("not connected")
	ErrNoConversation   = errors.New("no conversation selected")
	ErrSessionClosed    = errors.New("session closed")
	errConnectionClosed = errors.New("connection closed")
)

type inbound struct {
	Id       int              `json:"id"`
	Event    string           `json:"event"`
	Data     json.RawMessage  `json:"data"`
	Response *server.Response `json:"response"`
}

// Session is one logged in user's view of the chat: the REST API for stored
// messages, a websocket for live events, and a Synchronizer merging the two
// for the selected conversation. A dropped websocket is redialed with
// exponential backoff and the selected conversation is reloaded.
type Session struct {
	log    *log.Logger
	api    *apiClient
	dialer *websocket.Dialer
	view   *Synchronizer
	user   types.User

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	peer    string
	online  []string
	nextId  int
	waiting map[int]chan *server.Response

	writeMu sync.Mutex
	updates chan struct{}

	minDelay time.Duration
	maxDelay time.Duration
}

func NewSession(baseURL string, logger *log.Logger) (*Session, error) {
	api, err := newAPIClient(baseURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log: logger,
		api: api,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
			Jar:              api.http.Jar,
		},
		ctx:      ctx,
		cancel:   cancel,
		waiting:  make(map[int]chan *server.Response),
		updates:  make(chan struct{}, 1),
		minDelay: minReconnectDelay,
		maxDelay: maxReconnectDelay,
	}, nil
}

// Login authenticates against the REST API. The session cookie it returns
// authorizes both later API calls and the websocket.
func (s *Session) Login(ctx context.Context, email, password string) (types.User, error) {
	u, err := s.api.login(ctx, email, password)
	if err != nil {
		return types.User{}, fmt.Errorf("login: %w", err)
	}

	s.mu.Lock()
	s.user = u
	s.view = NewSynchronizer(u.Id)
	s.mu.Unlock()

	return u, nil
}

func (s *Session) User() types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Counterparts(ctx context.Context) ([]types.User, error) {
	users, err := s.api.counterparts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// Connect opens the websocket and identifies the user on it.
func (s *Session) Connect(ctx context.Context) error {
	if s.User().Id == "" {
		return ErrNotLoggedIn
	}

	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.api.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.call(ctx, conn, server.EventUserConnected, s.User().Id); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("identify: %w", err)
	}

	return nil
}

// SelectConversation switches the live view to the conversation with peer:
// the connection moves to the pair's room and the stored history is loaded
// underneath any live traffic that arrives meanwhile.
func (s *Session) SelectConversation(ctx context.Context, peer string) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	return s.enter(ctx, conn, peer)
}

func (s *Session) enter(ctx context.Context, conn *websocket.Conn, peer string) error {
	s.view.BeginLoad(peer)
	s.notify()

	if err := s.call(ctx, conn, server.EventJoinChat, rooms.RoomID(s.User().Id, peer)); err != nil {
		return fmt.Errorf("join chat: %w", err)
	}

	msgs, err := s.api.history(ctx, peer)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	if s.view.LoadHistory(peer, msgs) {
		s.notify()
	}

	return nil
}

// Send stores a message for the selected peer and then relays it live. A
// failed relay is logged only since the peer will see the message on its
// next history load.
func (s *Session) Send(ctx context.Context, text, image string) (types.Message, error) {
	peer := s.Peer()
	if peer == "" {
		return types.Message{}, ErrNoConversation
	}

	m, err := s.api.createMessage(ctx, peer, text, image)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	if s.view.ApplyLiveMessage(m) {
		s.notify()
	}

	s.relay(ctx, server.EventSendMessage, server.SendMessage{
		RoomId:  rooms.RoomID(s.User().Id, peer),
		Message: m,
	})

	return m, nil
}

// Delete removes one of the user's own messages from the store, the local
// view and the peer's live view.
func (s *Session) Delete(ctx context.Context, id string) error {
	peer := s.Peer()
	if peer == "" {
		return ErrNoConversation
	}

	if err := s.api.deleteMessage(ctx, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	if s.view.ApplyLiveDeletion(id) {
		s.notify()
	}

	s.relay(ctx, server.EventDeleteMessage, server.DeleteMessage{
		RoomId:    rooms.RoomID(s.User().Id, peer),
		MessageId: id,
	})

	return nil
}

func (s *Session) relay(ctx context.Context, event string, data any) {
	conn := s.currentConn()
	if conn == nil {
		s.log.Printf("%s: %v", event, ErrNotConnected)
		return
	}

	if err := s.call(ctx, conn, event, data); err != nil {
		s.log.Printf("%s: %v", event, err)
	}
}

func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Messages returns the view of the selected conversation.
func (s *Session) Messages() []types.Message {
	if s.view == nil {
		return nil
	}
	return s.view.Messages()
}

func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.online)
}

func (s *Session) IsOnline(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.online, user)
}

// Updates signals after the view or the online set changed. Signals are
// coalesced.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()

	return conn.Close()
}

func (s *Session) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// call sends an event and waits for the server's response to it.
func (s *Session) call(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	s.mu.Lock()
	s.nextId++
	id := s.nextId
	ch := make(chan *server.Response, 1)
	s.waiting[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
	}()

	msg := server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id, Timestamp: time.Now().UTC()},
		Event:       event,
		Data:        raw,
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp == nil {
			return errConnectionClosed
		}
		if resp.ResponseCode >= http.StatusBadRequest {
			return fmt.Errorf("%s rejected: %d %s", event, resp.ResponseCode, resp.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			s.connectionLost(conn, err)
			return
		}

		s.handle(&msg)
	}
}

func (s *Session) handle(msg *inbound) {
	if msg.Response != nil {
		s.mu.Lock()
		ch, ok := s.waiting[msg.Id]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- msg.Response:
			default:
			}
		} else if msg.Response.ResponseCode >= http.StatusBadRequest {
			s.log.Printf("server error: %d %s", msg.Response.ResponseCode, msg.Response.Error)
		}
		return
	}

	switch msg.Event {
	case server.EventOnlineUsers:
		var users []string
		if err := json.Unmarshal(msg.Data, &users); err != nil {
			s.log.Printf("decode %s: %v", msg.Event, err)
			return
		}
		s.mu.Lock()
		s.online = users
		s.mu.Unlock()
		s.notify()
	case server.EventReceiveMessage:
		var m types.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			s.log.Printf("decode %s: %v", msg.Event, err)
			return
		}
		if s.view.ApplyLiveMessage(m) {
			s.notify()
		}
	case server.EventMessageDeleted:
		var evt server.MessageDeleted
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.log.Printf("decode %s: %v", msg.Event, err)
			return
		}
		if s.view.ApplyLiveDeletion(evt.MessageId) {
			s.notify()
		}
	default:
		s.log.Printf("unknown event %q", msg.Event)
	}
}

// connectionLost fails the calls still waiting on conn and, unless the
// session was closed, starts redialing.
func (s *Session) connectionLost(conn *websocket.Conn, err error) {
	conn.Close()

	s.mu.Lock()
	for id, ch := range s.waiting {
		select {
		case ch <- nil:
		default:
		}
		delete(s.waiting, id)
	}
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil || !current {
		return
	}

	s.log.Printf("connection lost: %v", err)
	go s.reconnect()
}

func (s *Session) reconnect() {
	delay := s.minDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.resume(); err != nil {
			s.log.Printf("reconnect attempt %d: %v", attempt, err)
			delay = min(delay*2, s.maxDelay)
			continue
		}

		s.log.Printf("reconnected after %d attempt(s)", attempt)
		return
	}
}

// resume redials and restores what the server forgot with the old
// connection: the identity, the room and any messages missed meanwhile.
func (s *Session) resume() error {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		return err
	}

	peer := s.Peer()
	if peer == "" {
		return nil
	}

	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	return s.enter(ctx, conn, peer)
}

package server

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/rooms"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// Client is one websocket connection. Events are read and dispatched on the
// Read goroutine one at a time; Write drains the send queue.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	// user is the identity the connection authenticated as
	user types.User
	// identity is set once the connection sends user-connected
	identity    string
	send        chan *ServerMessage
	stop        chan struct{}
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}, nil
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.Timestamp = Now()
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Event {
	case EventUserConnected:
		c.userConnected(msg)
	case EventJoinChat:
		c.joinChat(msg)
	case EventLeaveAllChats:
		c.leaveAllChats(msg)
	case EventSendMessage:
		c.sendChatMessage(msg)
	case EventDeleteMessage:
		c.deleteChatMessage(msg)
	default:
		c.queueMessage(ErrUnknownEvent(msg.Id))
	}
}

func (c *Client) userConnected(msg *ClientMessage) {
	var userId string
	if err := json.Unmarshal(msg.Data, &userId); err != nil || userId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if userId != c.user.Id {
		c.log.Printf("connection %s authenticated as %q tried to identify as %q", c.id, c.user.Id, userId)
		c.queueMessage(ErrPermissionDenied(msg.Id))
		return
	}

	c.identity = userId
	c.chatServer.identify(c, userId)
	c.ack(msg.Id, nil)
}

func (c *Client) joinChat(msg *ClientMessage) {
	if c.identity == "" {
		c.queueMessage(ErrNotIdentified(msg.Id))
		return
	}

	var room string
	if err := json.Unmarshal(msg.Data, &room); err != nil || room == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if !rooms.IsParticipant(room, c.identity) {
		c.queueMessage(ErrPermissionDenied(msg.Id))
		return
	}

	c.chatServer.rooms.SwitchRoom(c.id, room)
	c.ack(msg.Id, map[string]any{"room_id": room})
}

func (c *Client) leaveAllChats(msg *ClientMessage) {
	c.chatServer.rooms.LeaveAll(c.id)
	c.ack(msg.Id, nil)
}

// target resolves the channel an event addressed by room or recipient is
// delivered to, and the other participant of the conversation.
func (c *Client) target(roomId, receiverId string) (channel, peer string, ok bool) {
	if roomId != "" {
		a, b, valid := rooms.Participants(roomId)
		if !valid || (a != c.identity && b != c.identity) {
			return "", "", false
		}
		if a == c.identity {
			return roomId, b, true
		}
		return roomId, a, true
	}

	if receiverId != "" {
		return rooms.UserChannel(receiverId), receiverId, true
	}

	return "", "", false
}

func (c *Client) sendChatMessage(msg *ClientMessage) {
	if c.identity == "" {
		c.queueMessage(ErrNotIdentified(msg.Id))
		return
	}

	var req SendMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if req.Message.Text == "" && req.Message.Image == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	channel, peer, ok := c.target(req.RoomId, req.ReceiverId)
	if !ok {
		c.queueMessage(ErrPermissionDenied(msg.Id))
		return
	}

	out := req.Message
	out.SenderId = c.identity
	out.ReceiverId = peer
	if out.CreatedAt.IsZero() {
		out.CreatedAt = msg.Timestamp
	}

	delivered := c.chatServer.sendToRoom(channel, ReceiveMessage(out), c.id)
	c.ack(msg.Id, map[string]any{"delivered": delivered})
}

func (c *Client) deleteChatMessage(msg *ClientMessage) {
	if c.identity == "" {
		c.queueMessage(ErrNotIdentified(msg.Id))
		return
	}

	var req DeleteMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.MessageId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	channel, _, ok := c.target(req.RoomId, req.ReceiverId)
	if !ok {
		c.queueMessage(ErrPermissionDenied(msg.Id))
		return
	}

	evt := MessageDeleted{
		RoomId:    req.RoomId,
		SenderId:  c.identity,
		MessageId: req.MessageId,
	}
	delivered := c.chatServer.sendToRoom(channel, MessageDeletedEvent(evt), c.id)
	c.ack(msg.Id, map[string]any{"delivered": delivered})
}

// ack responds to requests that carried an id.
func (c *Client) ack(id int, data any) {
	if id > 0 {
		c.queueMessage(NoErrOK(id, data))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to client %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup releases everything the connection holds. It runs once no matter
// how many times the connection is torn down.
func (c *Client) cleanup() {
	c.cleanupOnce.Do(func() {
		c.chatServer.disconnect(c)
		c.stopClient()
	})
}

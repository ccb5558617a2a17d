package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// client -> server events
const (
	EventUserConnected = "user-connected"
	EventJoinChat      = "join-chat"
	EventLeaveAllChats = "leave-all-chats"
	EventSendMessage   = "send-message"
	EventDeleteMessage = "delete-message"
)

// server -> client events
const (
	EventOnlineUsers    = "online-users"
	EventReceiveMessage = "recieve-message"
	EventMessageDeleted = "message-deleted"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessage addresses a message either to a dm room or directly to a
// recipient.
type SendMessage struct {
	RoomId     string        `json:"room_id,omitempty"`
	ReceiverId string        `json:"receiver_id,omitempty"`
	Message    types.Message `json:"message"`
}

type DeleteMessage struct {
	RoomId     string `json:"room_id,omitempty"`
	ReceiverId string `json:"receiver_id,omitempty"`
	MessageId  string `json:"message_id"`
}

type MessageDeleted struct {
	RoomId    string `json:"room_id,omitempty"`
	SenderId  string `json:"sender_id"`
	MessageId string `json:"message_id"`
}

type ServerMessage struct {
	BaseMessage
	Event    string    `json:"event,omitempty"`
	Data     any       `json:"data,omitempty"`
	Response *Response `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func newEvent(event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

func OnlineUsers(users []string) *ServerMessage {
	return newEvent(EventOnlineUsers, users)
}

func ReceiveMessage(msg types.Message) *ServerMessage {
	return newEvent(EventReceiveMessage, msg)
}

func MessageDeletedEvent(evt MessageDeleted) *ServerMessage {
	return newEvent(EventMessageDeleted, evt)
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrUnknownEvent(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "unknown event", nil)
}

func ErrNotIdentified(id int) *ServerMessage {
	return response(id, http.StatusUnauthorized, "connection has not identified", nil)
}

func ErrPermissionDenied(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "permission denied", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

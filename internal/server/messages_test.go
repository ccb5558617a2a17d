package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"testkey": "testvalue",
	})

	assert.NotNil(t, result, "expected result to be non-nil")
	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data, "expected Data to match")
	assert.Empty(t, result.Response.Error, "expected no error")
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name         string
		fn           func(int) *ServerMessage
		expectedCode int
		expectedErr  string
	}{
		{
			name:         "invalid message",
			fn:           ErrInvalidMessage,
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid message format",
		},
		{
			name:         "unknown event",
			fn:           ErrUnknownEvent,
			expectedCode: http.StatusBadRequest,
			expectedErr:  "unknown event",
		},
		{
			name:         "not identified",
			fn:           ErrNotIdentified,
			expectedCode: http.StatusUnauthorized,
			expectedErr:  "connection has not identified",
		},
		{
			name:         "permission denied",
			fn:           ErrPermissionDenied,
			expectedCode: http.StatusForbidden,
			expectedErr:  "permission denied",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.fn(7)
			assert.Equal(t, 7, msg.Id, "expected Id to match")
			assert.Equal(t, tc.expectedCode, msg.Response.ResponseCode, "expected ResponseCode to match")
			assert.Equal(t, tc.expectedErr, msg.Response.Error, "expected Error to match")

			msg = tc.fn(-1)
			assert.Zero(t, msg.Id, "expected negative id to be dropped")
		})
	}
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func TestReceiveMessage_Wire(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := ReceiveMessage(types.Message{
		Id:         "m1",
		SenderId:   "alice",
		ReceiverId: "bob",
		Text:       "hi",
		CreatedAt:  created,
	})

	bytes, err := serializeMessage(msg)
	assert.NoError(t, err, "expected no error during serialization")

	var decoded struct {
		Event string        `json:"event"`
		Data  types.Message `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(bytes, &decoded), "expected valid json")
	assert.Equal(t, EventReceiveMessage, decoded.Event, "expected recieve-message event")
	assert.Equal(t, "hi", decoded.Data.Text, "expected text to match")
	assert.Equal(t, "alice", decoded.Data.SenderId, "expected sender to match")
	assert.Equal(t, created, decoded.Data.CreatedAt, "expected created_at to match")
}

func TestOnlineUsers(t *testing.T) {
	msg := OnlineUsers([]string{"alice", "bob"})
	assert.Equal(t, EventOnlineUsers, msg.Event, "expected online-users event")
	assert.Equal(t, []string{"alice", "bob"}, msg.Data, "expected user list as data")
	assert.Nil(t, msg.Response, "expected no response on an event")
}

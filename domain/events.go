package domain

import (
	"encoding/json"
	"errors"
)

// Inbound events.
const (
	EventLogin        = "login"
	EventLogout       = "logout"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventMarkRead     = "mark_read"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventUpdateStatus = "update_status"
	EventPing         = "ping"
)

// Outbound events.
const (
	EventLoginSuccess       = "login_success"
	EventLogoutSuccess      = "logout_success"
	EventJoinSuccess        = "join_success"
	EventLeaveSuccess       = "leave_success"
	EventNewMessage         = "new_message"
	EventMessageSent        = "message_sent"
	EventMessageRead        = "message_read"
	EventMarkReadSuccess    = "mark_read_success"
	EventFriendStatusChange = "friend_status_change"
	EventStatusUpdated      = "status_updated"
	EventNotification       = "notification"
	EventError              = "error"
	EventPong               = "pong"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type LoginPayload struct {
	UserID UserID `json:"userId"`
}

type RoomPayload struct {
	UserID   UserID   `json:"userId,omitempty"`
	RoomType RoomType `json:"roomType"`
	RoomID   string   `json:"roomId"`
}

type SendMessagePayload struct {
	SenderID      UserID  `json:"senderId"`
	RecipientID   UserID  `json:"recipientId,omitempty"`
	GroupID       GroupID `json:"groupId,omitempty"`
	Body          string  `json:"body"`
	AttachmentRef string  `json:"attachmentRef,omitempty"`
	ReplyToID     string  `json:"replyToId,omitempty"`
}

type StatusPayload struct {
	Status PresenceStatus `json:"status"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type LoginSuccess struct {
	UserID       UserID `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Rooms        int    `json:"rooms"`
}

type RoomAck struct {
	RoomType RoomType `json:"roomType"`
	RoomID   string   `json:"roomId"`
}

type NewMessage struct {
	RoomType RoomType `json:"roomType"`
	RoomID   string   `json:"roomId"`
	Message  *Message `json:"message"`
}

type MessageSent struct {
	MessageID string `json:"messageId"`
}

type MessageRead struct {
	ReaderID    UserID   `json:"readerId"`
	RoomType    RoomType `json:"roomType"`
	RoomID      string   `json:"roomId"`
	MarkedCount int64    `json:"markedCount"`
}

type MarkReadSuccess struct {
	RoomType    RoomType `json:"roomType"`
	RoomID      string   `json:"roomId"`
	MarkedCount int64    `json:"markedCount"`
}

type Typing struct {
	UserID   UserID   `json:"userId"`
	RoomType RoomType `json:"roomType"`
	RoomID   string   `json:"roomId"`
}

type FriendStatusChange struct {
	UserID UserID         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type NotificationSignal struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Link string `json:"link"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Pong struct {
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
}

// Encode wraps data in an envelope.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// ErrorBody is the client-facing form of err. Foreign errors are reported
// without their internals.
func ErrorBody(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Message: e.Message, Code: e.Code}
	}
	return ErrorPayload{Message: "internal error", Code: "internal"}
}

func EncodeError(err error) []byte {
	data, _ := Encode(EventError, ErrorBody(err))
	return data
}

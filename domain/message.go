package domain

import "time"

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

const KindText = "text"

type Message struct {
	ID               string        `json:"id"`
	SenderID         UserID        `json:"senderId"`
	RecipientID      *UserID       `json:"recipientId,omitempty"`
	GroupID          *GroupID      `json:"groupId,omitempty"`
	Body             string        `json:"body"`
	AttachmentRef    *string       `json:"attachmentRef,omitempty"`
	ReplyToID        *string       `json:"replyToId,omitempty"`
	Kind             string        `json:"kind"`
	Status           MessageStatus `json:"status"`
	DeletedForSender bool          `json:"deletedForSender"`
	SentAt           time.Time     `json:"sentAt"`
	ReadAt           *time.Time    `json:"readAt,omitempty"`
	EditedAt         *time.Time    `json:"editedAt,omitempty"`

	// enrichment, filled by the store on reads
	SenderName   string `json:"senderName,omitempty"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
	GroupName    string `json:"groupName,omitempty"`
	ReplyToBody  string `json:"replyToBody,omitempty"`
}

func (m *Message) RoomType() RoomType {
	if m.GroupID != nil {
		return RoomGroup
	}
	return RoomPrivate
}

func (m *Message) RoomKey() RoomKey {
	if m.GroupID != nil {
		return GroupRoom(*m.GroupID)
	}
	if m.RecipientID != nil {
		return PrivateRoom(m.SenderID, *m.RecipientID)
	}
	return ""
}

type UserProfile struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Email       string `json:"email,omitempty"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

type Presence struct {
	UserID       UserID         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
}

const NotificationMessage = "message"

type Notification struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"userId"`
	SenderID  UserID    `json:"senderId"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Link      string    `json:"link"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type UnreadCounts struct {
	Private int64 `json:"private"`
	Group   int64 `json:"group"`
	Total   int64 `json:"total"`
}

type Conversation struct {
	ID              string    `json:"id"`
	Type            RoomType  `json:"type"`
	Name            string    `json:"name"`
	Avatar          string    `json:"avatar,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int64     `json:"unreadCount"`
}

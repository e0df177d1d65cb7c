package gormstore

import (
	"time"

	"chatsync-server/domain"
)

const (
	memberActive   = "active"
	memberLeft     = "left"
	friendAccepted = "accepted"
	friendPending  = "pending"
)

type userModel struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"`
	DisplayName string    `gorm:"type:varchar(128);not null"`
	Avatar      string    `gorm:"type:text"`
	Email       string    `gorm:"type:varchar(255);index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (userModel) TableName() string { return "users" }

type groupModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Name      string    `gorm:"type:varchar(128);not null"`
	Avatar    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (groupModel) TableName() string { return "chat_groups" }

// groupMemberModel rows are never deleted; leaving flips Status.
type groupMemberModel struct {
	GroupID  string    `gorm:"primaryKey;type:varchar(64)"`
	UserID   string    `gorm:"primaryKey;type:varchar(64);index"`
	Status   string    `gorm:"type:varchar(16);not null;default:active"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

func (groupMemberModel) TableName() string { return "group_members" }

type friendshipModel struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)"`
	FriendID  string    `gorm:"primaryKey;type:varchar(64);index"`
	Status    string    `gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (friendshipModel) TableName() string { return "friendships" }

type messageModel struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	SenderID         string    `gorm:"type:varchar(64);not null;index"`
	RecipientID      *string   `gorm:"type:varchar(64);index"`
	GroupID          *string   `gorm:"type:varchar(64);index"`
	Body             string    `gorm:"type:text;not null"`
	AttachmentRef    *string   `gorm:"type:text"`
	ReplyToID        *string   `gorm:"type:varchar(64)"`
	Kind             string    `gorm:"type:varchar(16);not null"`
	Status           string    `gorm:"type:varchar(16);not null;index"`
	DeletedForSender bool      `gorm:"not null;default:false"`
	SentAt           time.Time `gorm:"not null;index"`
	ReadAt           *time.Time
	EditedAt         *time.Time
}

func (messageModel) TableName() string { return "messages" }

// messageReadModel is the per-member read receipt for group messages. The
// shared Status column on messages only tracks private reads.
type messageReadModel struct {
	MessageID string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"primaryKey;type:varchar(64);index"`
	ReadAt    time.Time `gorm:"not null"`
}

func (messageReadModel) TableName() string { return "message_reads" }

type notificationModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"type:varchar(64);not null;index"`
	SenderID  string    `gorm:"type:varchar(64)"`
	Kind      string    `gorm:"type:varchar(32);not null"`
	Content   string    `gorm:"type:text"`
	Link      string    `gorm:"type:text"`
	Read      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (notificationModel) TableName() string { return "notifications" }

// enrichedRow is the projection returned by message reads.
type enrichedRow struct {
	messageModel
	SenderName   *string
	SenderAvatar *string
	GroupName    *string
	ReplyToBody  *string
}

type conversationRow struct {
	ID              string
	Name            *string
	Avatar          *string
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int64
}

func toMessageModel(m *domain.Message) *messageModel {
	row := &messageModel{
		ID:               m.ID,
		SenderID:         string(m.SenderID),
		Body:             m.Body,
		AttachmentRef:    m.AttachmentRef,
		ReplyToID:        m.ReplyToID,
		Kind:             m.Kind,
		Status:           string(m.Status),
		DeletedForSender: m.DeletedForSender,
		SentAt:           m.SentAt,
		ReadAt:           m.ReadAt,
		EditedAt:         m.EditedAt,
	}
	if m.RecipientID != nil {
		v := string(*m.RecipientID)
		row.RecipientID = &v
	}
	if m.GroupID != nil {
		v := string(*m.GroupID)
		row.GroupID = &v
	}
	return row
}

func (r *enrichedRow) toDomain() *domain.Message {
	m := &domain.Message{
		ID:               r.ID,
		SenderID:         domain.UserID(r.SenderID),
		Body:             r.Body,
		AttachmentRef:    r.AttachmentRef,
		ReplyToID:        r.ReplyToID,
		Kind:             r.Kind,
		Status:           domain.MessageStatus(r.Status),
		DeletedForSender: r.DeletedForSender,
		SentAt:           r.SentAt,
		ReadAt:           r.ReadAt,
		EditedAt:         r.EditedAt,
		SenderName:       deref(r.SenderName),
		SenderAvatar:     deref(r.SenderAvatar),
		GroupName:        deref(r.GroupName),
		ReplyToBody:      deref(r.ReplyToBody),
	}
	if r.RecipientID != nil {
		v := domain.UserID(*r.RecipientID)
		m.RecipientID = &v
	}
	if r.GroupID != nil {
		v := domain.GroupID(*r.GroupID)
		m.GroupID = &v
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

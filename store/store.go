package store

import (
	"context"
	"errors"

	"chatsync-server/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotOwner is returned when a user mutates a message they did not send.
	ErrNotOwner = errors.New("store: not message owner")
)

const DefaultPageSize = 50

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page into [1, 200] items.
func (p Page) Normalize(def int) Page {
	if def <= 0 {
		def = DefaultPageSize
	}
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type Users interface {
	UserProfile(ctx context.Context, id domain.UserID) (*domain.UserProfile, error)
}

type Messages interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	PrivateHistory(ctx context.Context, a, b domain.UserID, page Page) ([]*domain.Message, error)
	GroupHistory(ctx context.Context, group domain.GroupID, page Page) ([]*domain.Message, error)
	MarkPrivateRead(ctx context.Context, reader, counterpart domain.UserID) (int64, error)
	MarkGroupRead(ctx context.Context, group domain.GroupID, reader domain.UserID) (int64, error)
	EditMessage(ctx context.Context, id string, editor domain.UserID, body string) error
	DeleteForSender(ctx context.Context, id string, sender domain.UserID) error
	CountUnread(ctx context.Context, user domain.UserID) (domain.UnreadCounts, error)
	Conversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error)
}

// Directory answers the relationship questions the router and presence
// fan-out need.
type Directory interface {
	ConversationPartners(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
	ActiveGroups(ctx context.Context, user domain.UserID) ([]domain.GroupID, error)
	IsGroupMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error)
	GroupMembers(ctx context.Context, group domain.GroupID) ([]domain.UserID, error)
	FriendIDs(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
}

type Notifications interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
}

type Gateway interface {
	Users
	Messages
	Directory
	Notifications
	Close() error
}

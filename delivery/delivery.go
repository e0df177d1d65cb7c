package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatsync-server/domain"
	"chatsync-server/notify"
	"chatsync-server/store"
)

const MaxBodyRunes = 5000

type Store interface {
	store.Messages
	IsGroupMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error)
	GroupMembers(ctx context.Context, group domain.GroupID) ([]domain.UserID, error)
}

type Router interface {
	Join(conn domain.Connection, key domain.RoomKey) bool
	Broadcast(key domain.RoomKey, data []byte, exclude domain.Connection) int
}

type Presence interface {
	ConnectionsFor(user domain.UserID) []domain.Connection
}

type Notifier interface {
	NotifyIfUnreachable(ctx context.Context, recipient, sender domain.UserID, mc notify.MessageContext) bool
}

type Config struct {
	PersistTimeout time.Duration
	PageSize       int
}

type SendRequest struct {
	SenderID      domain.UserID
	RecipientID   domain.UserID
	GroupID       domain.GroupID
	Body          string
	AttachmentRef string
	ReplyToID     string
}

// Service runs the send pipeline shared by the socket and HTTP surfaces.
type Service struct {
	store    Store
	router   Router
	presence Presence
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func NewService(s Store, router Router, presence Presence, notifier Notifier, cfg Config) *Service {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = store.DefaultPageSize
	}
	return &Service{store: s, router: router, presence: presence, notifier: notifier, cfg: cfg, now: time.Now}
}

func (r SendRequest) validate() error {
	if r.SenderID == "" {
		return domain.ValidationError("senderId is required")
	}
	if strings.TrimSpace(r.Body) == "" && r.AttachmentRef == "" {
		return domain.ValidationError("body or attachmentRef is required")
	}
	if utf8.RuneCountInString(r.Body) > MaxBodyRunes {
		return domain.ValidationError("body is too long")
	}
	hasRecipient, hasGroup := r.RecipientID != "", r.GroupID != ""
	if hasRecipient == hasGroup {
		return domain.ValidationError("exactly one of recipientId or groupId is required")
	}
	return nil
}

// Send validates, persists and fans out a message. origin is excluded from
// the fan-out and may be nil for HTTP sends. Nothing is broadcast unless the
// message was stored.
func (s *Service) Send(ctx context.Context, origin domain.Connection, req SendRequest) (*domain.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.GroupID != "" {
		if err := s.requireMember(ctx, req.GroupID, req.SenderID); err != nil {
			return nil, err
		}
	}

	msg := &domain.Message{
		ID:       uuid.New().String(),
		SenderID: req.SenderID,
		Body:     req.Body,
		Kind:     domain.KindText,
		Status:   domain.StatusSent,
		SentAt:   s.now(),
	}
	if req.RecipientID != "" {
		recipient := req.RecipientID
		msg.RecipientID = &recipient
	} else {
		group := req.GroupID
		msg.GroupID = &group
	}
	if req.AttachmentRef != "" {
		ref := req.AttachmentRef
		msg.AttachmentRef = &ref
	}
	if req.ReplyToID != "" {
		reply := req.ReplyToID
		msg.ReplyToID = &reply
	}

	stored, err := s.persist(ctx, msg)
	if err != nil {
		slog.Error("message not persisted", "userId", req.SenderID, "kind", domain.KindOf(err), "error", err)
		return nil, err
	}

	s.notifyUnreachable(ctx, stored)
	s.fanOut(origin, stored)
	return stored, nil
}

func (s *Service) persist(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, domain.PersistenceError(err)
	}

	enriched, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		slog.Warn("stored message not reloaded", "messageId", msg.ID, "error", err)
		return msg, nil
	}
	return enriched, nil
}

func (s *Service) notifyUnreachable(ctx context.Context, msg *domain.Message) {
	mc := notify.MessageContext{
		MessageID:  msg.ID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		GroupName:  msg.GroupName,
	}
	if msg.RecipientID != nil {
		s.notifier.NotifyIfUnreachable(ctx, *msg.RecipientID, msg.SenderID, mc)
		return
	}

	mc.GroupID = *msg.GroupID
	members, err := s.store.GroupMembers(ctx, *msg.GroupID)
	if err != nil {
		slog.Warn("group members not resolved for notifications", "groupId", *msg.GroupID, "error", err)
		return
	}
	// each member is notified concurrently under its own record timeout
	var wg sync.WaitGroup
	for _, member := range members {
		if member == msg.SenderID {
			continue
		}
		wg.Add(1)
		go func(member domain.UserID) {
			defer wg.Done()
			s.notifier.NotifyIfUnreachable(ctx, member, msg.SenderID, mc)
		}(member)
	}
	wg.Wait()
}

func (s *Service) fanOut(origin domain.Connection, msg *domain.Message) {
	key := msg.RoomKey()
	event := domain.NewMessage{RoomType: msg.RoomType(), Message: msg}
	if msg.GroupID != nil {
		event.RoomID = string(*msg.GroupID)
	} else {
		event.RoomID = string(key)
		// first contact: neither side has the pair room yet
		for _, user := range []domain.UserID{msg.SenderID, *msg.RecipientID} {
			for _, conn := range s.presence.ConnectionsFor(user) {
				s.router.Join(conn, key)
			}
		}
	}

	data, err := domain.Encode(domain.EventNewMessage, event)
	if err != nil {
		slog.Error("new_message encode failed", "messageId", msg.ID, "error", err)
		return
	}
	sent := s.router.Broadcast(key, data, origin)
	slog.Debug("message fanned out", "messageId", msg.ID, "room", key, "delivered", sent)
}

// MarkRead marks everything the counterpart (private) or group sent to
// reader as read. For private rooms the counterpart's connections are told.
func (s *Service) MarkRead(ctx context.Context, reader domain.UserID, roomType domain.RoomType, roomID string) (int64, error) {
	if roomID == "" {
		return 0, domain.ValidationError("roomId is required")
	}
	switch roomType {
	case domain.RoomPrivate:
		counterpart := domain.UserID(roomID)
		n, err := s.store.MarkPrivateRead(ctx, reader, counterpart)
		if err != nil {
			return 0, domain.PersistenceError(err)
		}
		data, err := domain.Encode(domain.EventMessageRead, domain.MessageRead{
			ReaderID: reader, RoomType: domain.RoomPrivate, RoomID: string(reader), MarkedCount: n,
		})
		if err != nil {
			return n, err
		}
		for _, conn := range s.presence.ConnectionsFor(counterpart) {
			_ = conn.Send(data)
		}
		return n, nil
	case domain.RoomGroup:
		group := domain.GroupID(roomID)
		if err := s.requireMember(ctx, group, reader); err != nil {
			return 0, err
		}
		n, err := s.store.MarkGroupRead(ctx, group, reader)
		if err != nil {
			return 0, domain.PersistenceError(err)
		}
		return n, nil
	default:
		return 0, domain.ValidationError("roomType must be private or group")
	}
}

func (s *Service) Edit(ctx context.Context, editor domain.UserID, id, body string) (*domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, domain.ValidationError("body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return nil, domain.ValidationError("body is too long")
	}
	if err := s.store.EditMessage(ctx, id, editor, body); err != nil {
		return nil, mapStoreError(err)
	}
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return msg, nil
}

func (s *Service) DeleteForSender(ctx context.Context, sender domain.UserID, id string) error {
	if err := s.store.DeleteForSender(ctx, id, sender); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// History returns a page of the conversation newest first. For private rooms
// roomID is the peer's identity.
func (s *Service) History(ctx context.Context, user domain.UserID, roomType domain.RoomType, roomID string, page store.Page) ([]*domain.Message, error) {
	if roomID == "" {
		return nil, domain.ValidationError("roomId is required")
	}
	page = page.Normalize(s.cfg.PageSize)

	var (
		msgs []*domain.Message
		err  error
	)
	switch roomType {
	case domain.RoomPrivate:
		msgs, err = s.store.PrivateHistory(ctx, user, domain.UserID(roomID), page)
	case domain.RoomGroup:
		group := domain.GroupID(roomID)
		if err := s.requireMember(ctx, group, user); err != nil {
			return nil, err
		}
		msgs, err = s.store.GroupHistory(ctx, group, page)
	default:
		return nil, domain.ValidationError("roomType must be private or group")
	}
	if err != nil {
		return nil, domain.PersistenceError(err)
	}
	return msgs, nil
}

func (s *Service) Conversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error) {
	convs, err := s.store.Conversations(ctx, user)
	if err != nil {
		return nil, domain.PersistenceError(err)
	}
	return convs, nil
}

func (s *Service) UnreadCounts(ctx context.Context, user domain.UserID) (domain.UnreadCounts, error) {
	counts, err := s.store.CountUnread(ctx, user)
	if err != nil {
		return counts, domain.PersistenceError(err)
	}
	return counts, nil
}

func (s *Service) requireMember(ctx context.Context, group domain.GroupID, user domain.UserID) error {
	ok, err := s.store.IsGroupMember(ctx, group, user)
	if err != nil {
		return domain.PersistenceError(err)
	}
	if !ok {
		slog.Warn("non-member group access", "userId", user, "groupId", group)
		return domain.AuthorizationError("not a member of this group")
	}
	return nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ValidationError("message not found")
	case errors.Is(err, store.ErrNotOwner):
		return domain.AuthorizationError("only the sender can change this message")
	default:
		return domain.PersistenceError(err)
	}
}

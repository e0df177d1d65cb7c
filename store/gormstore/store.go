package gormstore

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatsync-server/domain"
	"chatsync-server/store"
)

const enrichedSelect = `m.*, u.display_name AS sender_name, u.avatar AS sender_avatar,
	g.name AS group_name, r.body AS reply_to_body`

// Store is the PostgreSQL Gateway.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Gateway = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.Open.Dial: ")
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&userModel{},
		&groupModel{},
		&groupMemberModel{},
		&friendshipModel{},
		&messageModel{},
		&messageReadModel{},
		&notificationModel{},
	)
	return errors.Wrap(err, "gormstore.Migrate.AutoMigrate: ")
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "gormstore.Close.DB: ")
	}
	return sqlDB.Close()
}

func (s *Store) UserProfile(ctx context.Context, id domain.UserID) (*domain.UserProfile, error) {
	var u userModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.UserProfile.First: ")
	}
	return &domain.UserProfile{
		ID:          domain.UserID(u.ID),
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		Email:       u.Email,
	}, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(toMessageModel(msg)).Error; err != nil {
		return errors.Wrap(err, "gormstore.CreateMessage.Insert: ")
	}
	return nil
}

func (s *Store) enriched(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("messages m").
		Select(enrichedSelect).
		Joins("LEFT JOIN users u ON u.id = m.sender_id").
		Joins("LEFT JOIN chat_groups g ON g.id = m.group_id").
		Joins("LEFT JOIN messages r ON r.id = m.reply_to_id")
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var row enrichedRow
	res := s.enriched(ctx).Where("m.id = ?", id).Limit(1).Scan(&row)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "gormstore.GetMessage.Scan: ")
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}
	return row.toDomain(), nil
}

func (s *Store) PrivateHistory(ctx context.Context, a, b domain.UserID, page store.Page) ([]*domain.Message, error) {
	page = page.Normalize(store.DefaultPageSize)
	q := s.enriched(ctx).
		Where("m.group_id IS NULL AND m.deleted_for_sender = ?", false).
		Where("(m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?)",
			string(a), string(b), string(b), string(a))
	msgs, err := s.page(q, page)
	return msgs, errors.Wrap(err, "gormstore.PrivateHistory.Scan: ")
}

func (s *Store) GroupHistory(ctx context.Context, group domain.GroupID, page store.Page) ([]*domain.Message, error) {
	page = page.Normalize(store.DefaultPageSize)
	q := s.enriched(ctx).
		Where("m.group_id = ? AND m.deleted_for_sender = ?", string(group), false)
	msgs, err := s.page(q, page)
	return msgs, errors.Wrap(err, "gormstore.GroupHistory.Scan: ")
}

func (s *Store) page(q *gorm.DB, page store.Page) ([]*domain.Message, error) {
	var rows []enrichedRow
	err := q.Order("m.sent_at DESC").Limit(page.Limit).Offset(page.Offset).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) MarkPrivateRead(ctx context.Context, reader, counterpart domain.UserID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&messageModel{}).
		Where("group_id IS NULL AND recipient_id = ? AND sender_id = ? AND status <> ?",
			string(reader), string(counterpart), string(domain.StatusRead)).
		Updates(map[string]interface{}{"status": string(domain.StatusRead), "read_at": s.now()})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gormstore.MarkPrivateRead.Update: ")
	}
	return res.RowsAffected, nil
}

const markGroupReadSQL = `
INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, @reader, @now FROM messages m
WHERE m.group_id = @group AND m.sender_id <> @reader AND m.deleted_for_sender = false
	AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = @reader)
ON CONFLICT DO NOTHING`

// MarkGroupRead records receipts for reader only; other members keep their
// own unread state.
func (s *Store) MarkGroupRead(ctx context.Context, group domain.GroupID, reader domain.UserID) (int64, error) {
	res := s.db.WithContext(ctx).Exec(markGroupReadSQL, map[string]interface{}{
		"group":  string(group),
		"reader": string(reader),
		"now":    s.now(),
	})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gormstore.MarkGroupRead.Insert: ")
	}
	return res.RowsAffected, nil
}

func (s *Store) EditMessage(ctx context.Context, id string, editor domain.UserID, body string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m messageModel
		err := tx.Where("id = ?", id).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "gormstore.EditMessage.First: ")
		}
		if m.SenderID != string(editor) {
			return store.ErrNotOwner
		}
		err = tx.Model(&m).Updates(map[string]interface{}{"body": body, "edited_at": s.now()}).Error
		return errors.Wrap(err, "gormstore.EditMessage.Update: ")
	})
}

func (s *Store) DeleteForSender(ctx context.Context, id string, sender domain.UserID) error {
	res := s.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND sender_id = ?", id, string(sender)).
		Update("deleted_for_sender", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "gormstore.DeleteForSender.Update: ")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountUnread(ctx context.Context, user domain.UserID) (domain.UnreadCounts, error) {
	var c domain.UnreadCounts
	err := s.db.WithContext(ctx).Model(&messageModel{}).
		Where("group_id IS NULL AND recipient_id = ? AND status <> ? AND deleted_for_sender = ?",
			string(user), string(domain.StatusRead), false).
		Count(&c.Private).Error
	if err != nil {
		return c, errors.Wrap(err, "gormstore.CountUnread.Private: ")
	}

	err = s.db.WithContext(ctx).Table("messages m").
		Joins("JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = ? AND gm.status = ?",
			string(user), memberActive).
		Where("m.sender_id <> ? AND m.deleted_for_sender = ?", string(user), false).
		Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)", string(user)).
		Count(&c.Group).Error
	if err != nil {
		return c, errors.Wrap(err, "gormstore.CountUnread.Group: ")
	}
	c.Total = c.Private + c.Group
	return c, nil
}

const privateConversationsSQL = `
SELECT t.peer AS id, u.display_name AS name, u.avatar AS avatar,
	t.body AS last_message, t.sent_at AS last_message_time,
	(SELECT COUNT(*) FROM messages x
		WHERE x.group_id IS NULL AND x.sender_id = t.peer AND x.recipient_id = @user
		AND x.status <> @read) AS unread_count
FROM (
	SELECT DISTINCT ON (peer) peer, body, sent_at FROM (
		SELECT CASE WHEN sender_id = @user THEN recipient_id ELSE sender_id END AS peer, body, sent_at
		FROM messages
		WHERE group_id IS NULL AND (sender_id = @user OR recipient_id = @user) AND deleted_for_sender = false
	) p ORDER BY peer, sent_at DESC
) t
LEFT JOIN users u ON u.id = t.peer`

const groupConversationsSQL = `
SELECT g.id AS id, g.name AS name, g.avatar AS avatar,
	lm.body AS last_message, lm.sent_at AS last_message_time,
	(SELECT COUNT(*) FROM messages x
		WHERE x.group_id = g.id AND x.sender_id <> @user AND x.deleted_for_sender = false
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = x.id AND r.user_id = @user)) AS unread_count
FROM group_members gm
JOIN chat_groups g ON g.id = gm.group_id
JOIN LATERAL (
	SELECT body, sent_at FROM messages m
	WHERE m.group_id = g.id AND m.deleted_for_sender = false
	ORDER BY m.sent_at DESC LIMIT 1
) lm ON true
WHERE gm.user_id = @user AND gm.status = @active`

func (s *Store) Conversations(ctx context.Context, user domain.UserID) ([]domain.Conversation, error) {
	args := map[string]interface{}{
		"user":   string(user),
		"read":   string(domain.StatusRead),
		"active": memberActive,
	}

	var private, group []conversationRow
	if err := s.db.WithContext(ctx).Raw(privateConversationsSQL, args).Scan(&private).Error; err != nil {
		return nil, errors.Wrap(err, "gormstore.Conversations.Private: ")
	}
	if err := s.db.WithContext(ctx).Raw(groupConversationsSQL, args).Scan(&group).Error; err != nil {
		return nil, errors.Wrap(err, "gormstore.Conversations.Group: ")
	}

	out := make([]domain.Conversation, 0, len(private)+len(group))
	for _, r := range private {
		out = append(out, r.toDomain(domain.RoomPrivate))
	}
	for _, r := range group {
		out = append(out, r.toDomain(domain.RoomGroup))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTime.After(out[j].LastMessageTime) })
	return out, nil
}

func (r conversationRow) toDomain(t domain.RoomType) domain.Conversation {
	return domain.Conversation{
		ID:              r.ID,
		Type:            t,
		Name:            deref(r.Name),
		Avatar:          deref(r.Avatar),
		LastMessage:     r.LastMessage,
		LastMessageTime: r.LastMessageTime,
		UnreadCount:     r.UnreadCount,
	}
}

func (s *Store) ConversationPartners(ctx context.Context, user domain.UserID) ([]domain.UserID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT CASE WHEN sender_id = @user THEN recipient_id ELSE sender_id END AS peer
		FROM messages
		WHERE group_id IS NULL AND (sender_id = @user OR recipient_id = @user)
		ORDER BY peer`, map[string]interface{}{"user": string(user)}).
		Scan(&ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.ConversationPartners.Scan: ")
	}
	return toUserIDs(ids), nil
}

func (s *Store) ActiveGroups(ctx context.Context, user domain.UserID) ([]domain.GroupID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&groupMemberModel{}).
		Where("user_id = ? AND status = ?", string(user), memberActive).
		Order("group_id").
		Pluck("group_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.ActiveGroups.Pluck: ")
	}
	out := make([]domain.GroupID, len(ids))
	for i, id := range ids {
		out[i] = domain.GroupID(id)
	}
	return out, nil
}

func (s *Store) IsGroupMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&groupMemberModel{}).
		Where("group_id = ? AND user_id = ? AND status = ?", string(group), string(user), memberActive).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "gormstore.IsGroupMember.Count: ")
	}
	return n > 0, nil
}

func (s *Store) GroupMembers(ctx context.Context, group domain.GroupID) ([]domain.UserID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&groupMemberModel{}).
		Where("group_id = ? AND status = ?", string(group), memberActive).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.GroupMembers.Pluck: ")
	}
	return toUserIDs(ids), nil
}

// FriendIDs reads accepted friendships in either direction.
func (s *Store) FriendIDs(ctx context.Context, user domain.UserID) ([]domain.UserID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT friend_id AS id FROM friendships WHERE user_id = @user AND status = @accepted
		UNION
		SELECT user_id AS id FROM friendships WHERE friend_id = @user AND status = @accepted
		ORDER BY id`,
		map[string]interface{}{"user": string(user), "accepted": friendAccepted}).
		Scan(&ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.FriendIDs.Scan: ")
	}
	return toUserIDs(ids), nil
}

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	row := &notificationModel{
		ID:        n.ID,
		UserID:    string(n.UserID),
		SenderID:  string(n.SenderID),
		Kind:      n.Kind,
		Content:   n.Content,
		Link:      n.Link,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "gormstore.CreateNotification.Insert: ")
	}
	return nil
}

func toUserIDs(ids []string) []domain.UserID {
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync-server/domain"
	"chatsync-server/store"
)

type group struct {
	id      domain.GroupID
	name    string
	avatar  string
	members map[domain.UserID]bool // true while active
}

// Store is a mutex-guarded in-memory Gateway used in dev mode and tests.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[domain.UserID]domain.UserProfile
	groups        map[domain.GroupID]*group
	friends       map[domain.UserID]map[domain.UserID]struct{}
	messages      map[string]*domain.Message
	groupReads    map[string]map[domain.UserID]time.Time // message id -> reader
	order         []string
	notifications []domain.Notification
}

func New() *Store {
	return &Store{
		now:      time.Now,
		users:    make(map[domain.UserID]domain.UserProfile),
		groups:   make(map[domain.GroupID]*group),
		friends:  make(map[domain.UserID]map[domain.UserID]struct{}),
		messages:   make(map[string]*domain.Message),
		groupReads: make(map[string]map[domain.UserID]time.Time),
	}
}

func (s *Store) Close() error { return nil }

// --- seeding ---

func (s *Store) AddUser(p domain.UserProfile) {
	s.mu.Lock()
	s.users[p.ID] = p
	s.mu.Unlock()
}

func (s *Store) RemoveUser(id domain.UserID) {
	s.mu.Lock()
	delete(s.users, id)
	s.mu.Unlock()
}

func (s *Store) AddGroup(id domain.GroupID, name string, members ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &group{id: id, name: name, members: make(map[domain.UserID]bool)}
	for _, m := range members {
		g.members[m] = true
	}
	s.groups[id] = g
}

// SetMembership marks user active or left in group.
func (s *Store) SetMembership(id domain.GroupID, user domain.UserID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok {
		g.members[user] = active
	}
}

func (s *Store) AddFriendship(a, b domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range [][2]domain.UserID{{a, b}, {b, a}} {
		set, ok := s.friends[pair[0]]
		if !ok {
			set = make(map[domain.UserID]struct{})
			s.friends[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (s *Store) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// --- Users ---

func (s *Store) UserProfile(_ context.Context, id domain.UserID) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

// --- Messages ---

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	cp := cloneMessage(msg)
	s.messages[msg.ID] = cp
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.enrichLocked(m), nil
}

func (s *Store) PrivateHistory(_ context.Context, a, b domain.UserID, page store.Page) ([]*domain.Message, error) {
	page = page.Normalize(store.DefaultPageSize)
	return s.history(page, func(m *domain.Message) bool {
		if m.GroupID != nil || m.RecipientID == nil || m.DeletedForSender {
			return false
		}
		return (m.SenderID == a && *m.RecipientID == b) || (m.SenderID == b && *m.RecipientID == a)
	}), nil
}

func (s *Store) GroupHistory(_ context.Context, id domain.GroupID, page store.Page) ([]*domain.Message, error) {
	page = page.Normalize(store.DefaultPageSize)
	return s.history(page, func(m *domain.Message) bool {
		return m.GroupID != nil && *m.GroupID == id && !m.DeletedForSender
	}), nil
}

// history returns matches newest first.
func (s *Store) history(page store.Page, match func(*domain.Message) bool) []*domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Message, 0)
	skipped := 0
	for i := len(s.order) - 1; i >= 0 && len(out) < page.Limit; i-- {
		m := s.messages[s.order[i]]
		if !match(m) {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		out = append(out, s.enrichLocked(m))
	}
	return out
}

func (s *Store) MarkPrivateRead(_ context.Context, reader, counterpart domain.UserID) (int64, error) {
	return s.markRead(func(m *domain.Message) bool {
		return m.GroupID == nil && m.RecipientID != nil && *m.RecipientID == reader && m.SenderID == counterpart
	}), nil
}

// MarkGroupRead records receipts for reader only. Message.Status is left
// alone because it is shared by every member.
func (s *Store) MarkGroupRead(_ context.Context, id domain.GroupID, reader domain.UserID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for msgID, m := range s.messages {
		if m.GroupID == nil || *m.GroupID != id || !s.groupUnreadLocked(m, reader) {
			continue
		}
		readers, ok := s.groupReads[msgID]
		if !ok {
			readers = make(map[domain.UserID]time.Time)
			s.groupReads[msgID] = readers
		}
		readers[reader] = now
		n++
	}
	return n, nil
}

func (s *Store) markRead(match func(*domain.Message) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, m := range s.messages {
		if m.Status == domain.StatusRead || !match(m) {
			continue
		}
		m.Status = domain.StatusRead
		readAt := now
		m.ReadAt = &readAt
		n++
	}
	return n
}

func (s *Store) EditMessage(_ context.Context, id string, editor domain.UserID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.SenderID != editor {
		return store.ErrNotOwner
	}
	m.Body = body
	now := s.now()
	m.EditedAt = &now
	return nil
}

func (s *Store) DeleteForSender(_ context.Context, id string, sender domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.SenderID != sender {
		return store.ErrNotFound
	}
	m.DeletedForSender = true
	return nil
}

func (s *Store) CountUnread(_ context.Context, user domain.UserID) (domain.UnreadCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c domain.UnreadCounts
	for _, m := range s.messages {
		switch {
		case m.GroupID != nil:
			if s.isActiveMemberLocked(*m.GroupID, user) && s.groupUnreadLocked(m, user) {
				c.Group++
			}
		case s.privateUnreadLocked(m, user):
			c.Private++
		}
	}
	c.Total = c.Private + c.Group
	return c, nil
}

func (s *Store) Conversations(_ context.Context, user domain.UserID) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*domain.Conversation)
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.messages[s.order[i]]
		if m.DeletedForSender {
			continue
		}
		var conv domain.Conversation
		switch {
		case m.GroupID != nil:
			if !s.isActiveMemberLocked(*m.GroupID, user) {
				continue
			}
			g := s.groups[*m.GroupID]
			conv = domain.Conversation{ID: string(g.id), Type: domain.RoomGroup, Name: g.name, Avatar: g.avatar}
		case m.SenderID == user || (m.RecipientID != nil && *m.RecipientID == user):
			peer := m.SenderID
			if peer == user {
				peer = *m.RecipientID
			}
			p := s.users[peer]
			conv = domain.Conversation{ID: string(peer), Type: domain.RoomPrivate, Name: p.DisplayName, Avatar: p.Avatar}
		default:
			continue
		}
		existing, ok := byID[conv.ID]
		if !ok {
			conv.LastMessage = m.Body
			conv.LastMessageTime = m.SentAt
			existing = &conv
			byID[conv.ID] = existing
		}
		if (m.GroupID != nil && s.groupUnreadLocked(m, user)) || (m.GroupID == nil && s.privateUnreadLocked(m, user)) {
			existing.UnreadCount++
		}
	}

	out := make([]domain.Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTime.After(out[j].LastMessageTime) })
	return out, nil
}

// --- Directory ---

func (s *Store) ConversationPartners(_ context.Context, user domain.UserID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[domain.UserID]struct{})
	for _, m := range s.messages {
		if m.GroupID != nil || m.RecipientID == nil {
			continue
		}
		switch user {
		case m.SenderID:
			seen[*m.RecipientID] = struct{}{}
		case *m.RecipientID:
			seen[m.SenderID] = struct{}{}
		}
	}
	return sortedUsers(seen), nil
}

func (s *Store) ActiveGroups(_ context.Context, user domain.UserID) ([]domain.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GroupID, 0)
	for id, g := range s.groups {
		if g.members[user] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) IsGroupMember(_ context.Context, id domain.GroupID, user domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActiveMemberLocked(id, user), nil
}

func (s *Store) GroupMembers(_ context.Context, id domain.GroupID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	seen := make(map[domain.UserID]struct{})
	for u, active := range g.members {
		if active {
			seen[u] = struct{}{}
		}
	}
	return sortedUsers(seen), nil
}

func (s *Store) FriendIDs(_ context.Context, user domain.UserID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedUsers(s.friends[user]), nil
}

// --- Notifications ---

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *Store) groupUnreadLocked(m *domain.Message, user domain.UserID) bool {
	if m.SenderID == user || m.DeletedForSender {
		return false
	}
	_, read := s.groupReads[m.ID][user]
	return !read
}

func (s *Store) privateUnreadLocked(m *domain.Message, user domain.UserID) bool {
	return m.GroupID == nil && m.RecipientID != nil && *m.RecipientID == user &&
		m.Status != domain.StatusRead && !m.DeletedForSender
}

func (s *Store) isActiveMemberLocked(id domain.GroupID, user domain.UserID) bool {
	g, ok := s.groups[id]
	return ok && g.members[user]
}

func (s *Store) enrichLocked(m *domain.Message) *domain.Message {
	out := cloneMessage(m)
	if p, ok := s.users[m.SenderID]; ok {
		out.SenderName = p.DisplayName
		out.SenderAvatar = p.Avatar
	}
	if m.GroupID != nil {
		if g, ok := s.groups[*m.GroupID]; ok {
			out.GroupName = g.name
		}
	}
	if m.ReplyToID != nil {
		if r, ok := s.messages[*m.ReplyToID]; ok {
			out.ReplyToBody = r.Body
		}
	}
	return out
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.RecipientID != nil {
		v := *m.RecipientID
		cp.RecipientID = &v
	}
	if m.GroupID != nil {
		v := *m.GroupID
		cp.GroupID = &v
	}
	if m.AttachmentRef != nil {
		v := *m.AttachmentRef
		cp.AttachmentRef = &v
	}
	if m.ReplyToID != nil {
		v := *m.ReplyToID
		cp.ReplyToID = &v
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		cp.ReadAt = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		cp.EditedAt = &v
	}
	return &cp
}

func sortedUsers(set map[domain.UserID]struct{}) []domain.UserID {
	out := make([]domain.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync-server/domain"
	"chatsync-server/hub"
	"chatsync-server/notify"
	"chatsync-server/presence"
	"chatsync-server/store"
	"chatsync-server/store/memory"
)

type mockConn struct {
	id     string
	user   domain.UserID
	sent   [][]byte
	mu     sync.Mutex
	onSend func([]byte)
}

func (m *mockConn) ID() string            { return m.id }
func (m *mockConn) UserID() domain.UserID { return m.user }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	m.sent = append(m.sent, data)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) events(t *testing.T) []domain.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Envelope, 0, len(m.sent))
	for _, raw := range m.sent {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

type failingStore struct {
	*memory.Store
	createErr error
	block     bool
}

func (f *failingStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.CreateMessage(ctx, msg)
}

type fixture struct {
	mem      *memory.Store
	registry *presence.Registry
	hub      *hub.Hub
	svc      *Service
}

func newFixture(t *testing.T, wrap func(*memory.Store) Store, cfg Config) *fixture {
	t.Helper()
	mem := memory.New()
	mem.AddUser(domain.UserProfile{ID: "alice", DisplayName: "Alice"})
	mem.AddUser(domain.UserProfile{ID: "bob", DisplayName: "Bob"})
	mem.AddUser(domain.UserProfile{ID: "carol", DisplayName: "Carol"})
	mem.AddGroup("g1", "Climbers", "alice", "bob", "carol")

	var s Store = mem
	if wrap != nil {
		s = wrap(mem)
	}
	registry := presence.NewRegistry()
	h := hub.New(mem)
	dispatcher := notify.NewDispatcher(registry, notify.NewStoreService(mem), nil, time.Second)
	return &fixture{
		mem:      mem,
		registry: registry,
		hub:      h,
		svc:      NewService(s, h, registry, dispatcher, cfg),
	}
}

func (f *fixture) connect(id string, user domain.UserID) *mockConn {
	c := &mockConn{id: id, user: user}
	f.registry.Register(user, c)
	return c
}

func eventNames(envs []domain.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func TestSend_ExclusiveTarget(t *testing.T) {
	recipients := []domain.UserID{"", "bob"}
	groups := []domain.GroupID{"", "g1"}
	bodies := []string{"", "hi"}
	attachments := []string{"", "img/1.png"}

	for _, r := range recipients {
		for _, g := range groups {
			for _, b := range bodies {
				for _, a := range attachments {
					f := newFixture(t, nil, Config{})
					req := SendRequest{SenderID: "alice", RecipientID: r, GroupID: g, Body: b, AttachmentRef: a}
					_, err := f.svc.Send(context.Background(), nil, req)

					hasContent := b != "" || a != ""
					exactlyOne := (r != "") != (g != "")
					if hasContent && exactlyOne {
						assert.NoError(t, err, "%+v", req)
					} else {
						assert.ErrorIs(t, err, domain.ErrValidation, "%+v", req)
					}
				}
			}
		}
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, nil, Config{})
	long := make([]rune, MaxBodyRunes+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		req  SendRequest
	}{
		{name: "missing sender", req: SendRequest{RecipientID: "bob", Body: "hi"}},
		{name: "whitespace body", req: SendRequest{SenderID: "alice", RecipientID: "bob", Body: "   "}},
		{name: "too long", req: SendRequest{SenderID: "alice", RecipientID: "bob", Body: string(long)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), nil, tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSend_FirstContactRecipientOnline(t *testing.T) {
	f := newFixture(t, nil, Config{})
	alice := f.connect("a1", "alice")
	aliceTab := f.connect("a2", "alice")
	bob := f.connect("b1", "bob")

	msg, err := f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", RecipientID: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, "Alice", msg.SenderName)

	bobEvents := bob.events(t)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, domain.EventNewMessage, bobEvents[0].Event)
	var nm domain.NewMessage
	require.NoError(t, json.Unmarshal(bobEvents[0].Data, &nm))
	assert.Equal(t, "hi", nm.Message.Body)
	assert.Equal(t, msg.ID, nm.Message.ID)
	assert.Equal(t, domain.RoomPrivate, nm.RoomType)
	assert.Equal(t, "private_5:alice_3:bob", nm.RoomID)

	assert.Empty(t, alice.events(t), "origin is excluded")
	assert.Equal(t, []string{domain.EventNewMessage}, eventNames(aliceTab.events(t)), "sender's other tab")
	assert.Empty(t, f.mem.Notifications(), "online recipient is not notified")

	stored, err := f.mem.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Body)
}

func TestSend_RecipientOffline(t *testing.T) {
	f := newFixture(t, nil, Config{})
	alice := f.connect("a1", "alice")

	msg, err := f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", RecipientID: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	notes := f.mem.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.UserID("bob"), notes[0].UserID)
	assert.Equal(t, domain.UserID("alice"), notes[0].SenderID)
	assert.Equal(t, "/chat/private/alice", notes[0].Link)
	assert.Contains(t, notes[0].Content, "Alice")
}

func TestSend_PersistenceFailure(t *testing.T) {
	tests := []struct {
		name string
		wrap func(*memory.Store) Store
	}{
		{
			name: "store error",
			wrap: func(m *memory.Store) Store { return &failingStore{Store: m, createErr: errors.New("disk full")} },
		},
		{
			name: "store timeout",
			wrap: func(m *memory.Store) Store { return &failingStore{Store: m, block: true} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.wrap, Config{PersistTimeout: 20 * time.Millisecond})
			alice := f.connect("a1", "alice")
			bob := f.connect("b1", "bob")
			f.hub.Join(bob, domain.PrivateRoom("alice", "bob"))

			_, err := f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", RecipientID: "carol", Body: "hi"})
			assert.ErrorIs(t, err, domain.ErrPersistence)

			_, err = f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", RecipientID: "bob", Body: "hi"})
			assert.ErrorIs(t, err, domain.ErrPersistence)
			assert.Empty(t, bob.events(t), "nothing fanned out")
			assert.Empty(t, f.mem.Notifications(), "nothing notified")
		})
	}
}

func TestSend_PersistedBeforeFanOut(t *testing.T) {
	f := newFixture(t, nil, Config{})
	alice := f.connect("a1", "alice")
	bob := f.connect("b1", "bob")

	var seenInHistory bool
	bob.onSend = func(data []byte) {
		var env domain.Envelope
		_ = json.Unmarshal(data, &env)
		var nm domain.NewMessage
		_ = json.Unmarshal(env.Data, &nm)
		history, err := f.svc.History(context.Background(), "bob", domain.RoomPrivate, "alice", store.Page{})
		if err != nil {
			return
		}
		for _, m := range history {
			if m.ID == nm.Message.ID {
				seenInHistory = true
			}
		}
	}

	_, err := f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", RecipientID: "bob", Body: "ordered"})
	require.NoError(t, err)
	assert.True(t, seenInHistory)
}

func TestSend_Group(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.mem.AddUser(domain.UserProfile{ID: "mallory"})
	alice := f.connect("a1", "alice")
	bob := f.connect("b1", "bob")
	f.hub.Join(alice, domain.GroupRoom("g1"))
	f.hub.Join(bob, domain.GroupRoom("g1"))

	_, err := f.svc.Send(context.Background(), nil, SendRequest{SenderID: "mallory", GroupID: "g1", Body: "spam"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	msg, err := f.svc.Send(context.Background(), alice, SendRequest{SenderID: "alice", GroupID: "g1", Body: "team"})
	require.NoError(t, err)
	assert.Equal(t, "Climbers", msg.GroupName)

	bobEvents := bob.events(t)
	require.Len(t, bobEvents, 1)
	var nm domain.NewMessage
	require.NoError(t, json.Unmarshal(bobEvents[0].Data, &nm))
	assert.Equal(t, domain.RoomGroup, nm.RoomType)
	assert.Equal(t, "g1", nm.RoomID)
	assert.Empty(t, alice.events(t))

	notes := f.mem.Notifications()
	require.Len(t, notes, 1, "only offline carol")
	assert.Equal(t, domain.UserID("carol"), notes[0].UserID)
	assert.Equal(t, "/chat/group/g1", notes[0].Link)
}

type slowService struct {
	store *memory.Store
	delay time.Duration
}

func (s *slowService) Create(ctx context.Context, n *domain.Notification) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.store.CreateNotification(ctx, n)
}

func TestSend_GroupNotificationsWithSlowService(t *testing.T) {
	mem := memory.New()
	members := []domain.UserID{"alice", "m1", "m2", "m3", "m4", "m5"}
	for _, u := range members {
		mem.AddUser(domain.UserProfile{ID: u, DisplayName: string(u)})
	}
	mem.AddGroup("big", "Everyone", members...)

	registry := presence.NewRegistry()
	h := hub.New(mem)
	dispatcher := notify.NewDispatcher(registry, &slowService{store: mem, delay: 60 * time.Millisecond}, nil, 500*time.Millisecond)
	svc := NewService(mem, h, registry, dispatcher, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := svc.Send(ctx, nil, SendRequest{SenderID: "alice", GroupID: "big", Body: "standup"})
	require.NoError(t, err)

	notes := mem.Notifications()
	require.Len(t, notes, 5, "one record per offline member")
	got := make([]domain.UserID, 0, len(notes))
	for _, n := range notes {
		got = append(got, n.UserID)
	}
	assert.ElementsMatch(t, members[1:], got)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "members are notified concurrently")
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, nil, Config{})
	alice := f.connect("a1", "alice")
	ctx := context.Background()

	for _, body := range []string{"one", "two"} {
		_, err := f.svc.Send(ctx, alice, SendRequest{SenderID: "alice", RecipientID: "bob", Body: body})
		require.NoError(t, err)
	}

	n, err := f.svc.MarkRead(ctx, "bob", domain.RoomPrivate, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	events := alice.events(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventMessageRead, last.Event)
	var mr domain.MessageRead
	require.NoError(t, json.Unmarshal(last.Data, &mr))
	assert.Equal(t, domain.MessageRead{ReaderID: "bob", RoomType: domain.RoomPrivate, RoomID: "bob", MarkedCount: 2}, mr)

	_, err = f.svc.Send(ctx, alice, SendRequest{SenderID: "alice", GroupID: "g1", Body: "group"})
	require.NoError(t, err)
	bobBefore, err := f.svc.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	n, err = f.svc.MarkRead(ctx, "carol", domain.RoomGroup, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	carolAfter, err := f.svc.UnreadCounts(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, carolAfter.Group)
	bobAfter, err := f.svc.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bobBefore.Group, bobAfter.Group, "another member's receipt leaves bob unread")
	assert.Equal(t, int64(1), bobAfter.Group)

	history, err := f.svc.History(ctx, "bob", domain.RoomGroup, "g1", store.Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusSent, history[0].Status)

	f.mem.SetMembership("g1", "carol", false)
	_, err = f.svc.MarkRead(ctx, "carol", domain.RoomGroup, "g1")
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	_, err = f.svc.MarkRead(ctx, "carol", "channel", "x")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.MarkRead(ctx, "carol", domain.RoomPrivate, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEditDeleteHistory(t *testing.T) {
	f := newFixture(t, nil, Config{PageSize: 1})
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, nil, SendRequest{SenderID: "alice", RecipientID: "bob", Body: "typo"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, nil, SendRequest{SenderID: "bob", RecipientID: "alice", Body: "reply"})
	require.NoError(t, err)

	_, err = f.svc.Edit(ctx, "bob", msg.ID, "hijack")
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	_, err = f.svc.Edit(ctx, "alice", "missing", "x")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Edit(ctx, "alice", msg.ID, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	edited, err := f.svc.Edit(ctx, "alice", msg.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	page, err := f.svc.History(ctx, "alice", domain.RoomPrivate, "bob", store.Page{})
	require.NoError(t, err)
	assert.Len(t, page, 1, "configured page size")

	require.NoError(t, f.svc.DeleteForSender(ctx, "alice", msg.ID))
	assert.ErrorIs(t, f.svc.DeleteForSender(ctx, "bob", msg.ID), domain.ErrValidation)

	all, err := f.svc.History(ctx, "alice", domain.RoomPrivate, "bob", store.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "reply", all[0].Body)

	f.mem.SetMembership("g1", "carol", false)
	_, err = f.svc.History(ctx, "carol", domain.RoomGroup, "g1", store.Page{})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	counts, err := f.svc.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Private, "deleted message no longer counts")

	convs, err := f.svc.Conversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].ID)
}

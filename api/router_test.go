package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync-server/auth"
	"chatsync-server/delivery"
	"chatsync-server/domain"
	"chatsync-server/hub"
	"chatsync-server/notify"
	"chatsync-server/presence"
	"chatsync-server/ratelimit"
	"chatsync-server/store/memory"
)

type recordingConn struct {
	id   string
	user domain.UserID
	mu   sync.Mutex
	sent [][]byte
}

func (c *recordingConn) ID() string            { return c.id }
func (c *recordingConn) UserID() domain.UserID { return c.user }
func (c *recordingConn) Close() error          { return nil }

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, raw := range c.sent {
		var env domain.Envelope
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env.Event)
		}
	}
	return out
}

type testAPI struct {
	router    *gin.Engine
	store     *memory.Store
	registry  *presence.Registry
	hub       *hub.Hub
	validator *auth.Validator
	announcer *presence.Announcer
}

func newTestAPI(t *testing.T, limit int) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := memory.New()
	s.AddUser(domain.UserProfile{ID: "alice", DisplayName: "Alice"})
	s.AddUser(domain.UserProfile{ID: "bob", DisplayName: "Bob"})
	s.AddUser(domain.UserProfile{ID: "carol", DisplayName: "Carol"})
	s.AddGroup("g1", "Team", "alice", "bob")

	registry := presence.NewRegistry()
	h := hub.New(s)
	dispatcher := notify.NewDispatcher(registry, notify.NewStoreService(s), nil, time.Second)
	svc := delivery.NewService(s, h, registry, dispatcher, delivery.Config{})
	validator := auth.NewValidator("api-secret", s)
	announcer := presence.NewAnnouncer(registry, presence.NewMemoryStatusStore(), s)

	r := NewRouter(Deps{
		Auth:     validator,
		Delivery: svc,
		Registry: registry,
		Hub:      h,
		Presence: announcer,
		Limiter:  ratelimit.New(limit, time.Minute),
	})
	return &testAPI{router: r, store: s, registry: registry, hub: h, validator: validator, announcer: announcer}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.validator.Issue(domain.UserID(user), time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndStats(t *testing.T) {
	a := newTestAPI(t, 100)
	conn := &recordingConn{id: "c1", user: "alice"}
	a.registry.Register("alice", conn)
	a.hub.Join(conn, domain.GroupRoom("g1"))

	w := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = a.do(t, http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":1,"clients":1,"users":1,"connections":1}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t, 100)

	w := a.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body domain.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.ReasonMissing, body.Code)

	w = a.do(t, http.MethodGet, "/api/conversations", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := a.validator.Issue("carol", time.Minute)
	require.NoError(t, err)
	a.store.RemoveUser("carol")
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "token of a removed user")
}

func TestPresenceStatus(t *testing.T) {
	a := newTestAPI(t, 100)

	w := a.do(t, http.MethodGet, "/api/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p domain.Presence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, domain.Presence{UserID: "bob", Status: domain.PresenceOffline}, p)

	_, err := a.announcer.Announce(context.Background(), "bob", domain.PresenceBusy)
	require.NoError(t, err)

	w = a.do(t, http.MethodGet, "/api/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, domain.PresenceBusy, p.Status)
	assert.False(t, p.LastActiveAt.IsZero())

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/presence/bob", "", nil).Code)
}

func TestCORSCredentials(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		cfg := corsConfig(origins)
		assert.True(t, cfg.AllowAllOrigins)
		assert.False(t, cfg.AllowCredentials, "wildcard origin must not allow credentials")
		assert.NoError(t, cfg.Validate())
	}

	cfg := corsConfig([]string{"https://chat.example.com"})
	assert.False(t, cfg.AllowAllOrigins)
	assert.True(t, cfg.AllowCredentials)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.AllowOrigins)

	a := newTestAPI(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestSendAndHistory(t *testing.T) {
	a := newTestAPI(t, 100)
	bob := &recordingConn{id: "b1", user: "bob"}
	a.registry.Register("bob", bob)

	w := a.do(t, http.MethodPost, "/api/messages", "alice", gin.H{"recipientId": "bob", "body": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sent struct {
		Message domain.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, domain.UserID("alice"), sent.Message.SenderID)
	assert.Contains(t, bob.events(), domain.EventNewMessage)

	w = a.do(t, http.MethodGet, "/api/messages/private/alice?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi bob", page.Messages[0].Body)
	assert.Equal(t, "Alice", page.Messages[0].SenderName)
}

func TestSendErrors(t *testing.T) {
	a := newTestAPI(t, 100)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{name: "no target", user: "alice", body: gin.H{"body": "x"}, status: http.StatusBadRequest},
		{name: "both targets", user: "alice", body: gin.H{"recipientId": "bob", "groupId": "g1", "body": "x"}, status: http.StatusBadRequest},
		{name: "empty body", user: "alice", body: gin.H{"recipientId": "bob"}, status: http.StatusBadRequest},
		{name: "not a member", user: "carol", body: gin.H{"groupId": "g1", "body": "x"}, status: http.StatusForbidden},
		{name: "bad json", user: "alice", body: "not an object", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/messages", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHistoryPagingValidation(t *testing.T) {
	a := newTestAPI(t, 100)

	w := a.do(t, http.MethodGet, "/api/messages/group/g1?limit=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/messages/group/g1?offset=-1", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/messages/group/g1", "carol", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMarkReadUnreadAndConversations(t *testing.T) {
	a := newTestAPI(t, 100)
	for _, body := range []string{"one", "two"} {
		w := a.do(t, http.MethodPost, "/api/messages", "alice", gin.H{"recipientId": "bob", "body": body})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := a.do(t, http.MethodGet, "/api/messages/unread", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts domain.UnreadCounts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.EqualValues(t, 2, counts.Private)

	w = a.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var convs struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &convs))
	require.Len(t, convs.Conversations, 1)

	w = a.do(t, http.MethodPost, "/api/messages/read", "bob", gin.H{"roomType": "private", "roomId": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var ack domain.MarkReadSuccess
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.EqualValues(t, 2, ack.MarkedCount)

	w = a.do(t, http.MethodPost, "/api/messages/read", "bob", gin.H{"roomType": "channel", "roomId": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEditAndDelete(t *testing.T) {
	a := newTestAPI(t, 100)
	w := a.do(t, http.MethodPost, "/api/messages", "alice", gin.H{"groupId": "g1", "body": "draft"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sent struct {
		Message domain.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	id := sent.Message.ID

	w = a.do(t, http.MethodPut, "/api/messages/"+id, "bob", gin.H{"body": "hijack"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPut, "/api/messages/"+id, "alice", gin.H{"body": "final"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"final"`)

	w = a.do(t, http.MethodDelete, "/api/messages/"+id, "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodDelete, "/api/messages/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodGet, "/api/messages/group/g1", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages":[]`)
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, 2)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/conversations", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/conversations", "alice", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(t, http.MethodGet, "/api/conversations", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/conversations", "bob", nil).Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.AuthError(domain.ReasonExpired), http.StatusUnauthorized},
		{domain.ValidationError("x"), http.StatusBadRequest},
		{domain.RateLimitError(), http.StatusTooManyRequests},
		{domain.AuthorizationError("x"), http.StatusForbidden},
		{domain.PersistenceError(assert.AnError), http.StatusInternalServerError},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusOf(tt.err), tt.err.Error())
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatsync-server/auth"
	"chatsync-server/domain"
)

type Authenticator interface {
	Validate(ctx context.Context, token string) (*domain.UserProfile, error)
}

// SocketTracker records every authenticated socket, logged in to chat or not.
type SocketTracker interface {
	Register(user domain.UserID, conn domain.Connection) (first bool)
	Unregister(conn domain.Connection) (user domain.UserID, last bool, ok bool)
}

// Server authenticates the bearer token and upgrades to a websocket. Failed
// authentication never upgrades.
type Server struct {
	auth     Authenticator
	handler  domain.MessageHandler
	sockets  SocketTracker
	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithSockets tracks each upgraded socket in t until it disconnects.
func WithSockets(t SocketTracker) Option {
	return func(s *Server) { s.sockets = t }
}

func NewServer(a Authenticator, h domain.MessageHandler, allowedOrigins []string, opts ...Option) *Server {
	s := &Server{
		auth:    a,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sockets != nil {
		s.handler = &trackingHandler{MessageHandler: h, sockets: s.sockets}
	}
	return s
}

type trackingHandler struct {
	domain.MessageHandler
	sockets SocketTracker
}

func (h *trackingHandler) Disconnect(conn domain.Connection) {
	h.MessageHandler.Disconnect(conn)
	h.sockets.Unregister(conn)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profile, err := s.auth.Validate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrAuth) {
			status = http.StatusUnauthorized
		}
		slog.Warn("websocket auth rejected", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(domain.ErrorBody(err))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	conn := NewConn(uuid.New().String(), profile.ID, ws, s.handler)
	if s.sockets != nil {
		s.sockets.Register(profile.ID, conn)
	}
	slog.Info("client connected", "clientId", conn.ID(), "userId", profile.ID)
	conn.Start()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

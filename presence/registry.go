package presence

import (
	"log/slog"
	"sync"

	"chatsync-server/domain"
)

// Registry maps identities to live connections and back. Both maps change
// under the same lock so readers never see one side without the other.
type Registry struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]map[string]domain.Connection
	byConn map[string]domain.UserID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[domain.UserID]map[string]domain.Connection),
		byConn: make(map[string]domain.UserID),
	}
}

// Register binds conn to user and reports whether it is the user's first
// live connection. Re-registering the same connection is a no-op.
func (r *Registry) Register(user domain.UserID, conn domain.Connection) (first bool) {
	r.mu.Lock()
	if prev, ok := r.byConn[conn.ID()]; ok {
		r.mu.Unlock()
		if prev != user {
			slog.Warn("connection already bound", "clientId", conn.ID(), "userId", prev, "requested", user)
		}
		return false
	}
	conns, ok := r.byUser[user]
	if !ok {
		conns = make(map[string]domain.Connection)
		r.byUser[user] = conns
	}
	conns[conn.ID()] = conn
	r.byConn[conn.ID()] = user
	count := len(conns)
	r.mu.Unlock()

	slog.Info("user connected", "userId", user, "clientId", conn.ID(), "connections", count)
	return count == 1
}

// Unregister removes conn. last is true when it was the user's final
// connection; ok is false when conn was not registered.
func (r *Registry) Unregister(conn domain.Connection) (user domain.UserID, last bool, ok bool) {
	r.mu.Lock()
	user, ok = r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return "", false, false
	}
	delete(r.byConn, conn.ID())
	conns := r.byUser[user]
	delete(conns, conn.ID())
	remaining := len(conns)
	if remaining == 0 {
		delete(r.byUser, user)
	}
	r.mu.Unlock()

	slog.Info("user disconnected", "userId", user, "clientId", conn.ID(), "connections", remaining)
	return user, remaining == 0, true
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// ConnectionsFor returns a snapshot safe to iterate without the lock.
func (r *Registry) ConnectionsFor(user domain.UserID) []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[user]
	out := make([]domain.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) UserOf(conn domain.Connection) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[conn.ID()]
	return user, ok
}

func (r *Registry) Registered(conn domain.Connection) bool {
	_, ok := r.UserOf(conn)
	return ok
}

func (r *Registry) OnlineUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Stats() (users, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.byConn)
}

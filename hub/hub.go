package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chatsync-server/domain"
)

// Directory supplies the relationships rooms are derived from.
type Directory interface {
	ConversationPartners(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
	ActiveGroups(ctx context.Context, user domain.UserID) ([]domain.GroupID, error)
	IsGroupMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error)
}

type Hub struct {
	directory Directory
	rooms     map[domain.RoomKey]map[string]domain.Connection
	joined    map[string]map[domain.RoomKey]struct{}
	mu        sync.RWMutex
}

func New(directory Directory) *Hub {
	return &Hub{
		directory: directory,
		rooms:     make(map[domain.RoomKey]map[string]domain.Connection),
		joined:    make(map[string]map[domain.RoomKey]struct{}),
	}
}

// Join subscribes conn to key. It reports false when conn was already a member.
func (h *Hub) Join(conn domain.Connection, key domain.RoomKey) bool {
	h.mu.Lock()
	members, exists := h.rooms[key]
	if !exists {
		members = make(map[string]domain.Connection)
		h.rooms[key] = members
	}
	if _, ok := members[conn.ID()]; ok {
		h.mu.Unlock()
		return false
	}
	members[conn.ID()] = conn
	rooms, ok := h.joined[conn.ID()]
	if !ok {
		rooms = make(map[domain.RoomKey]struct{})
		h.joined[conn.ID()] = rooms
	}
	rooms[key] = struct{}{}
	count := len(members)
	h.mu.Unlock()

	slog.Debug("room joined", "room", key, "clientId", conn.ID(), "clients", count)
	return true
}

func (h *Hub) Leave(conn domain.Connection, key domain.RoomKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn.ID(), key)
}

// LeaveAll drops every membership of conn and returns how many there were.
func (h *Hub) LeaveAll(conn domain.Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := h.joined[conn.ID()]
	n := len(rooms)
	for key := range rooms {
		h.leaveLocked(conn.ID(), key)
	}
	delete(h.joined, conn.ID())
	return n
}

func (h *Hub) leaveLocked(connID string, key domain.RoomKey) {
	members, exists := h.rooms[key]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, key)
		slog.Debug("room removed", "room", key)
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(h.joined, connID)
		}
	}
}

// Broadcast queues data to every member of key except exclude, which may be
// nil. Members whose Send fails are evicted and closed in the background.
func (h *Hub) Broadcast(key domain.RoomKey, data []byte, exclude domain.Connection) int {
	h.mu.RLock()
	members := h.rooms[key]
	targets := make([]domain.Connection, 0, len(members))
	for id, conn := range members {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			slog.Warn("evicting unresponsive client", "room", key, "clientId", conn.ID(), "error", err)
			go func(c domain.Connection) {
				h.LeaveAll(c)
				// closing ends the read loop, whose disconnect unregisters c
				_ = c.Close()
			}(conn)
			continue
		}
		sent++
	}
	return sent
}

// AutoJoin subscribes conn to the private room of every conversation partner
// and to every group user is an active member of.
func (h *Hub) AutoJoin(ctx context.Context, conn domain.Connection, user domain.UserID) (int, error) {
	partners, err := h.directory.ConversationPartners(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("hub: conversation partners: %w", err)
	}
	groups, err := h.directory.ActiveGroups(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("hub: active groups: %w", err)
	}

	for _, peer := range partners {
		h.Join(conn, domain.PrivateRoom(user, peer))
	}
	for _, g := range groups {
		h.Join(conn, domain.GroupRoom(g))
	}
	total := len(partners) + len(groups)
	slog.Info("rooms restored", "userId", user, "clientId", conn.ID(), "private", len(partners), "groups", len(groups))
	return total, nil
}

// JoinGroup checks membership against the directory before subscribing.
func (h *Hub) JoinGroup(ctx context.Context, conn domain.Connection, user domain.UserID, group domain.GroupID) error {
	ok, err := h.directory.IsGroupMember(ctx, group, user)
	if err != nil {
		return fmt.Errorf("hub: group membership: %w", err)
	}
	if !ok {
		return domain.AuthorizationError("not a member of this group")
	}
	h.Join(conn, domain.GroupRoom(group))
	return nil
}

func (h *Hub) JoinPrivate(conn domain.Connection, user, peer domain.UserID) domain.RoomKey {
	key := domain.PrivateRoom(user, peer)
	h.Join(conn, key)
	return key
}

func (h *Hub) RoomsOf(conn domain.Connection) []domain.RoomKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := h.joined[conn.ID()]
	out := make([]domain.RoomKey, 0, len(rooms))
	for key := range rooms {
		out = append(out, key)
	}
	return out
}

func (h *Hub) InRoom(conn domain.Connection, key domain.RoomKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[key][conn.ID()]
	return ok
}

func (h *Hub) Members(key domain.RoomKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	clients = len(h.joined)
	return rooms, clients
}

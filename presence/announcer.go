package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync-server/domain"
)

type FriendLookup interface {
	FriendIDs(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
}

// Announcer records a user's presence and tells their online friends.
type Announcer struct {
	registry *Registry
	statuses StatusStore
	friends  FriendLookup
	now      func() time.Time
}

func NewAnnouncer(registry *Registry, statuses StatusStore, friends FriendLookup) *Announcer {
	return &Announcer{registry: registry, statuses: statuses, friends: friends, now: time.Now}
}

// Announce returns how many friend connections the change was queued to.
// Offline friends are skipped; a status store failure is logged and the
// fan-out still happens.
func (a *Announcer) Announce(ctx context.Context, user domain.UserID, status domain.PresenceStatus) (int, error) {
	if !status.Valid() {
		return 0, domain.ValidationError("status must be online, away, busy or offline")
	}

	p := domain.Presence{UserID: user, Status: status, LastActiveAt: a.now()}
	if err := a.statuses.SetStatus(ctx, p); err != nil {
		slog.Warn("presence status not recorded", "userId", user, "status", status, "error", err)
	}

	friends, err := a.friends.FriendIDs(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("presence: resolve friends: %w", err)
	}

	data, err := domain.Encode(domain.EventFriendStatusChange, domain.FriendStatusChange{UserID: user, Status: status})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, friend := range friends {
		for _, conn := range a.registry.ConnectionsFor(friend) {
			if err := conn.Send(data); err != nil {
				slog.Debug("friend status dropped", "clientId", conn.ID(), "error", err)
				continue
			}
			sent++
		}
	}
	slog.Debug("presence announced", "userId", user, "status", status, "friends", len(friends), "delivered", sent)
	return sent, nil
}

func (a *Announcer) Status(ctx context.Context, user domain.UserID) (domain.Presence, error) {
	return a.statuses.GetStatus(ctx, user)
}

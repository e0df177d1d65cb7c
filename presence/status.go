package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"chatsync-server/domain"
)

// StatusStore persists the last announced presence of each user.
type StatusStore interface {
	SetStatus(ctx context.Context, p domain.Presence) error
	GetStatus(ctx context.Context, user domain.UserID) (domain.Presence, error)
}

const statusKeyPrefix = "presence:"

type redisStatusStore struct {
	rdb *redis.Client
}

func NewRedisStatusStore(rdb *redis.Client) StatusStore {
	return &redisStatusStore{rdb: rdb}
}

func (s *redisStatusStore) SetStatus(ctx context.Context, p domain.Presence) error {
	err := s.rdb.HSet(ctx, statusKeyPrefix+string(p.UserID),
		"status", string(p.Status),
		"last_active", strconv.FormatInt(p.LastActiveAt.UnixMilli(), 10),
	).Err()
	return errors.Wrap(err, "presence.SetStatus.HSet: ")
}

// GetStatus reports offline for users that never announced.
func (s *redisStatusStore) GetStatus(ctx context.Context, user domain.UserID) (domain.Presence, error) {
	p := domain.Presence{UserID: user, Status: domain.PresenceOffline}
	vals, err := s.rdb.HGetAll(ctx, statusKeyPrefix+string(user)).Result()
	if err != nil {
		return p, errors.Wrap(err, "presence.GetStatus.HGetAll: ")
	}
	if st := domain.PresenceStatus(vals["status"]); st.Valid() {
		p.Status = st
	}
	if ms, err := strconv.ParseInt(vals["last_active"], 10, 64); err == nil {
		p.LastActiveAt = time.UnixMilli(ms)
	}
	return p, nil
}

type memoryStatusStore struct {
	mu     sync.RWMutex
	states map[domain.UserID]domain.Presence
}

func NewMemoryStatusStore() StatusStore {
	return &memoryStatusStore{states: make(map[domain.UserID]domain.Presence)}
}

func (s *memoryStatusStore) SetStatus(_ context.Context, p domain.Presence) error {
	s.mu.Lock()
	s.states[p.UserID] = p
	s.mu.Unlock()
	return nil
}

func (s *memoryStatusStore) GetStatus(_ context.Context, user domain.UserID) (domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.states[user]; ok {
		return p, nil
	}
	return domain.Presence{UserID: user, Status: domain.PresenceOffline}, nil
}

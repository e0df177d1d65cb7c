package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"chatsync-server/domain"
	"chatsync-server/store"
)

type storeService struct {
	store store.Notifications
}

// NewStoreService writes notification records through the message store.
func NewStoreService(s store.Notifications) Service {
	return &storeService{store: s}
}

func (s *storeService) Create(ctx context.Context, n *domain.Notification) error {
	return s.store.CreateNotification(ctx, n)
}

const channelPrefix = "notifications:"

// RedisSignaler publishes notification hints on notifications:<userId> and
// relays hints published by any instance to locally connected users.
type RedisSignaler struct {
	rdb *redis.Client
}

func NewRedisSignaler(rdb *redis.Client) *RedisSignaler {
	return &RedisSignaler{rdb: rdb}
}

func (s *RedisSignaler) Signal(ctx context.Context, user domain.UserID, sig domain.NotificationSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	err = s.rdb.Publish(ctx, channelPrefix+string(user), payload).Err()
	return errors.Wrap(err, "notify.Signal.Publish: ")
}

// Deliver hands an encoded notification event to a user's live connections.
type Deliver func(user domain.UserID, data []byte)

type ConnectionSource interface {
	ConnectionsFor(user domain.UserID) []domain.Connection
}

// ConnectionDeliver sends to every connection src holds for the user. Send
// failures are dropped; a hint is best effort.
func ConnectionDeliver(src ConnectionSource) Deliver {
	return func(user domain.UserID, data []byte) {
		for _, conn := range src.ConnectionsFor(user) {
			if err := conn.Send(data); err != nil {
				slog.Debug("notification hint dropped", "clientId", conn.ID(), "error", err)
			}
		}
	}
}

// LocalSignaler delivers hints in process, for single-instance deployments.
type LocalSignaler struct {
	deliver Deliver
}

func NewLocalSignaler(deliver Deliver) *LocalSignaler {
	return &LocalSignaler{deliver: deliver}
}

func (s *LocalSignaler) Signal(_ context.Context, user domain.UserID, sig domain.NotificationSignal) error {
	data, err := domain.Encode(domain.EventNotification, sig)
	if err != nil {
		return err
	}
	s.deliver(user, data)
	return nil
}

// Run relays published hints until ctx is done.
func (s *RedisSignaler) Run(ctx context.Context, deliver Deliver) error {
	sub := s.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "notify.Run.PSubscribe: ")
	}
	ch := sub.Channel()
	slog.Info("notification relay started", "pattern", channelPrefix+"*")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			user := domain.UserID(strings.TrimPrefix(msg.Channel, channelPrefix))
			var sig domain.NotificationSignal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				slog.Warn("invalid notification signal", "channel", msg.Channel, "error", err)
				continue
			}
			data, err := domain.Encode(domain.EventNotification, sig)
			if err != nil {
				continue
			}
			deliver(user, data)
		}
	}
}

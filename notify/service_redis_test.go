package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"chatsync-server/domain"
	"chatsync-server/notify"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis integration test skipped in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisSignaler_SignalReachesRelay(t *testing.T) {
	rdb := startRedis(t)
	s := notify.NewRedisSignaler(rdb)

	bob := &socketConn{id: "b1", user: "bob"}
	var (
		mu    sync.Mutex
		users []domain.UserID
	)
	deliver := func(user domain.UserID, data []byte) {
		mu.Lock()
		users = append(users, user)
		mu.Unlock()
		_ = bob.Send(data)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, deliver) }()

	sig := domain.NotificationSignal{ID: "n1", Kind: domain.NotificationMessage, Link: "/chat/private/alice"}
	// the subscription may not be live yet; publish until the relay sees one
	require.Eventually(t, func() bool {
		if err := s.Signal(context.Background(), "bob", sig); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(users) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, domain.UserID("bob"), users[0])
	mu.Unlock()
	sigs := bob.signals(t)
	require.NotEmpty(t, sigs)
	assert.Equal(t, sig, sigs[0])

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected relay error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/presence"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := Wrap(client, zap.NewNop())
	t.Cleanup(func() { rc.Close() })
	return rc, mr
}

func TestSessionUsers(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.AddUserToSession(ctx, "s1", "c1", "customer"))
	require.NoError(t, rc.AddUserToSession(ctx, "s1", "a1", "agent"))
	require.NoError(t, rc.AddUserToSession(ctx, "s1", "a2", "agent"))

	status, err := rc.GetSessionUsers(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, status.CustomerConnected)
	assert.True(t, status.AgentConnected)
	assert.Equal(t, 1, status.TotalCustomer)
	assert.Equal(t, 2, status.TotalAgent)

	require.NoError(t, rc.RemoveUserFromSession(ctx, "s1", "c1"))
	status, err = rc.GetSessionUsers(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, status.CustomerConnected)
}

func TestAttemptsFixedWindow(t *testing.T) {
	rc, mr := setupRedis(t)
	ctx := context.Background()

	n, _, err := rc.AttemptCount(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 1; i <= 3; i++ {
		n, err = rc.IncrementAttempts(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	n, ttl, err := rc.AttemptCount(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.FastForward(time.Minute + time.Second)
	n, _, err = rc.AttemptCount(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAcquireOnce(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()

	ok, err := rc.AcquireOnce(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.AcquireOnce(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.Release(ctx, "lock"))
	ok, err = rc.AcquireOnce(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFeedBroker_PublishSubscribe(t *testing.T) {
	rc, _ := setupRedis(t)
	broker := rc.FeedBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := broker.Subscribe(ctx, "feed:chat_sessions")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, broker.Publish(ctx, "feed:chat_sessions", []byte(`{"a":1}`)))

	select {
	case msg := <-stream.Messages():
		assert.JSONEq(t, `{"a":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, stream.Close())
	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish after close")
	}
}

func TestPresenceBackend_SnapshotExpires(t *testing.T) {
	rc, _ := setupRedis(t)
	backend := rc.PresenceBackend(30 * time.Second)
	now := time.Now()
	backend.now = func() time.Time { return now }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notices, err := backend.Watch(ctx, "typing:s1")
	require.NoError(t, err)

	require.NoError(t, backend.Put(ctx, "typing:s1", "old", json.RawMessage(`{"is_typing":true}`)))
	now = now.Add(20 * time.Second)
	require.NoError(t, backend.Put(ctx, "typing:s1", "new", json.RawMessage(`{"is_typing":false}`)))

	snap, err := backend.Snapshot(ctx, "typing:s1")
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	now = now.Add(15 * time.Second)
	snap, err = backend.Snapshot(ctx, "typing:s1")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{"is_typing":false}`, string(snap["new"]))

	select {
	case n := <-notices:
		assert.Equal(t, presence.Notice{Kind: domain.PresenceLeave, Key: "old"}, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no leave notice")
	}

	require.NoError(t, backend.Remove(ctx, "typing:s1", "new"))
	snap, err = backend.Snapshot(ctx, "typing:s1")
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestPresenceBackend_WatchClosesOnCancel(t *testing.T) {
	rc, _ := setupRedis(t)
	backend := rc.PresenceBackend(30 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	notices, err := backend.Watch(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, backend.Notify(context.Background(), "t", presence.Notice{Kind: domain.PresenceJoin, Key: "k"}))

	select {
	case n := <-notices:
		assert.Equal(t, "k", n.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-notices:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceChannelOverRedis(t *testing.T) {
	rc, _ := setupRedis(t)
	ch := presence.NewChannel(rc.PresenceBackend(30*time.Second), zap.NewNop(), presence.Options{Heartbeat: time.Second})
	ctx := context.Background()

	a, err := ch.Join(ctx, "room", "a")
	require.NoError(t, err)
	defer a.Leave(ctx)
	b, err := ch.Join(ctx, "room", "b")
	require.NoError(t, err)
	defer b.Leave(ctx)

	seen := make(chan map[string]json.RawMessage, 16)
	b.OnSync(func(state map[string]json.RawMessage) { seen <- state })

	require.NoError(t, a.Track(ctx, map[string]string{"name": "Ann"}))

	assert.Eventually(t, func() bool {
		for {
			select {
			case state := <-seen:
				if _, ok := state["a"]; ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

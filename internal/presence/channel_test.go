package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"livechat-presence/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncRecorder struct {
	mu     sync.Mutex
	last   map[string]json.RawMessage
	events []domain.PresenceEvent
}

func (r *syncRecorder) onSync(m map[string]json.RawMessage) {
	r.mu.Lock()
	r.last = m
	r.mu.Unlock()
}

func (r *syncRecorder) onEvent(e domain.PresenceEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *syncRecorder) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.last[key]
	return ok
}

func (r *syncRecorder) state(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.last[key])
}

func (r *syncRecorder) sawKind(kind domain.PresenceEventKind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && e.Key == key {
			return true
		}
	}
	return false
}

func newTestChannel(ttl time.Duration) *Channel {
	return NewChannel(NewMemoryBackend(ttl), zap.NewNop(), Options{
		Heartbeat:     ttl / 3,
		PruneInterval: ttl / 3,
	})
}

func TestChannel_TrackReplacesAndSyncs(t *testing.T) {
	ch := newTestChannel(time.Second)
	ctx := context.Background()

	alice, err := ch.Join(ctx, "room-1", "alice")
	require.NoError(t, err)
	defer alice.Leave(ctx)
	bob, err := ch.Join(ctx, "room-1", "bob")
	require.NoError(t, err)
	defer bob.Leave(ctx)

	rec := &syncRecorder{}
	bob.OnSync(rec.onSync)
	bob.OnEvent(rec.onEvent)

	require.NoError(t, alice.Track(ctx, map[string]interface{}{"status": "online", "mood": "ok"}))
	assert.Eventually(t, func() bool { return rec.has("alice") }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.sawKind(domain.PresenceJoin, "alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Track(ctx, map[string]interface{}{"status": "away"}))
	assert.Eventually(t, func() bool {
		return rec.state("alice") == `{"status":"away"}`
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_LeaveRemovesParticipant(t *testing.T) {
	ch := newTestChannel(time.Second)
	ctx := context.Background()

	alice, err := ch.Join(ctx, "room-2", "alice")
	require.NoError(t, err)
	bob, err := ch.Join(ctx, "room-2", "bob")
	require.NoError(t, err)
	defer bob.Leave(ctx)

	rec := &syncRecorder{}
	bob.OnSync(rec.onSync)
	bob.OnEvent(rec.onEvent)

	require.NoError(t, alice.Track(ctx, map[string]bool{"here": true}))
	assert.Eventually(t, func() bool { return rec.has("alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, alice.Leave(ctx))
	assert.Eventually(t, func() bool { return !rec.has("alice") }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.sawKind(domain.PresenceLeave, "alice"))

	assert.ErrorIs(t, alice.Track(ctx, map[string]bool{"here": true}), ErrLeft)
}

func TestChannel_DroppedParticipantExpires(t *testing.T) {
	ttl := 90 * time.Millisecond
	ch := newTestChannel(ttl)
	ctx := context.Background()

	ghost, err := ch.Join(ctx, "room-3", "ghost")
	require.NoError(t, err)
	watcher, err := ch.Join(ctx, "room-3", "watcher")
	require.NoError(t, err)
	defer watcher.Leave(ctx)

	rec := &syncRecorder{}
	watcher.OnSync(rec.onSync)

	require.NoError(t, ghost.Track(ctx, map[string]bool{"here": true}))
	assert.Eventually(t, func() bool { return rec.has("ghost") }, time.Second, 5*time.Millisecond)

	// connection drop: no Leave, no more heartbeats
	ghost.halt()

	assert.Eventually(t, func() bool { return !rec.has("ghost") }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_HeartbeatKeepsParticipantAlive(t *testing.T) {
	ttl := 90 * time.Millisecond
	ch := newTestChannel(ttl)
	ctx := context.Background()

	alive, err := ch.Join(ctx, "room-4", "alive")
	require.NoError(t, err)
	defer alive.Leave(ctx)
	watcher, err := ch.Join(ctx, "room-4", "watcher")
	require.NoError(t, err)
	defer watcher.Leave(ctx)

	rec := &syncRecorder{}
	watcher.OnSync(rec.onSync)

	require.NoError(t, alive.Track(ctx, map[string]bool{"here": true}))
	assert.Eventually(t, func() bool { return rec.has("alive") }, time.Second, 5*time.Millisecond)

	time.Sleep(4 * ttl)
	assert.True(t, rec.has("alive"))
}

func TestChannel_JoinValidatesInput(t *testing.T) {
	ch := newTestChannel(time.Second)
	_, err := ch.Join(context.Background(), "", "x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

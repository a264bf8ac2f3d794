// Package presence implements per-topic broadcast groups where each participant
// publishes one state blob and observes the merged state of everyone else.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"go.uber.org/zap"
)

var ErrLeft = errors.New("presence: handle has left the channel")

type Options struct {
	// Heartbeat re-publishes the tracked state so it does not expire. It must be
	// shorter than the backend TTL.
	Heartbeat time.Duration
	// PruneInterval forces a snapshot read, which expires silent participants.
	PruneInterval time.Duration
}

type Channel struct {
	backend Backend
	logger  *zap.Logger
	opts    Options
}

func NewChannel(backend Backend, logger *zap.Logger, opts Options) *Channel {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = opts.Heartbeat
	}
	return &Channel{backend: backend, logger: logger, opts: opts}
}

// Join opens a handle on topic for selfKey. The participant is not visible to
// others until its first Track.
func (c *Channel) Join(ctx context.Context, topic, selfKey string) (*Handle, error) {
	if topic == "" || selfKey == "" {
		return nil, fmt.Errorf("join: %w", domain.ErrInvalidInput)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	notices, err := c.backend.Watch(watchCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}

	h := &Handle{
		channel: c,
		topic:   topic,
		key:     selfKey,
		cancel:  cancel,
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		logger:  c.logger.With(zap.String("topic", topic), zap.String("key", selfKey)),
	}

	go h.loop(watchCtx, notices)
	return h, nil
}

// Handle is one participant's membership in a topic.
type Handle struct {
	channel *Channel
	topic   string
	key     string
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	logger  *zap.Logger

	mu       sync.Mutex
	state    json.RawMessage
	tracked  bool
	left     bool
	onSync   []func(map[string]json.RawMessage)
	onEvent  []func(domain.PresenceEvent)
	lastSync map[string]json.RawMessage
}

func (h *Handle) Topic() string { return h.topic }
func (h *Handle) Key() string   { return h.key }

// OnSync registers cb to receive the full participant map after every change.
// A sync with the current state follows registration.
func (h *Handle) OnSync(cb func(map[string]json.RawMessage)) {
	h.mu.Lock()
	h.onSync = append(h.onSync, cb)
	h.mu.Unlock()
	h.resync()
}

// OnEvent registers cb to receive typed join/leave/sync events.
func (h *Handle) OnEvent(cb func(domain.PresenceEvent)) {
	h.mu.Lock()
	h.onEvent = append(h.onEvent, cb)
	h.mu.Unlock()
	h.resync()
}

func (h *Handle) resync() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Track replaces this participant's state. Fields are not merged with the previous state.
func (h *Handle) Track(ctx context.Context, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}

	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return ErrLeft
	}
	kind := domain.PresenceSync
	if !h.tracked {
		kind = domain.PresenceJoin
	}
	h.state = data
	h.tracked = true
	h.mu.Unlock()

	if err := h.channel.backend.Put(ctx, h.topic, h.key, data); err != nil {
		return fmt.Errorf("track %s: %w", h.topic, err)
	}
	return h.channel.backend.Notify(ctx, h.topic, Notice{Kind: kind, Key: h.key})
}

// State returns the last merged map seen by this handle.
func (h *Handle) State() map[string]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyState(h.lastSync)
}

// Leave removes the participant and stops delivery. Safe to call more than once,
// but not from inside an OnSync or OnEvent callback.
func (h *Handle) Leave(ctx context.Context) error {
	if !h.halt() {
		return nil
	}
	if err := h.channel.backend.Remove(ctx, h.topic, h.key); err != nil {
		return fmt.Errorf("leave %s: %w", h.topic, err)
	}
	return h.channel.backend.Notify(ctx, h.topic, Notice{Kind: domain.PresenceLeave, Key: h.key})
}

// halt stops the handle's goroutine without touching the backend, as a dropped
// connection would. It reports whether this call did the stopping.
func (h *Handle) halt() bool {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return false
	}
	h.left = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	return true
}

func (h *Handle) loop(ctx context.Context, notices <-chan Notice) {
	defer close(h.done)

	heartbeat := time.NewTicker(h.channel.opts.Heartbeat)
	defer heartbeat.Stop()
	prune := time.NewTicker(h.channel.opts.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.kick:
			h.sync(ctx, domain.PresenceSync, "")
		case n, ok := <-notices:
			if !ok {
				return
			}
			h.sync(ctx, n.Kind, n.Key)
		case <-heartbeat.C:
			h.beat(ctx)
		case <-prune.C:
			h.prune(ctx)
		}
	}
}

func (h *Handle) beat(ctx context.Context) {
	h.mu.Lock()
	state, tracked := h.state, h.tracked
	h.mu.Unlock()
	if !tracked {
		return
	}
	if err := h.channel.backend.Put(ctx, h.topic, h.key, state); err != nil && ctx.Err() == nil {
		h.logger.Warn("presence heartbeat failed", zap.Error(err))
	}
}

func (h *Handle) prune(ctx context.Context) {
	snap, err := h.channel.backend.Snapshot(ctx, h.topic)
	if err != nil {
		return
	}
	h.mu.Lock()
	changed := !sameKeys(snap, h.lastSync)
	h.mu.Unlock()
	if changed {
		h.dispatch(domain.PresenceSync, "", snap)
	}
}

func (h *Handle) sync(ctx context.Context, kind domain.PresenceEventKind, key string) {
	snap, err := h.channel.backend.Snapshot(ctx, h.topic)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("presence snapshot failed", zap.Error(err))
		}
		return
	}
	h.dispatch(kind, key, snap)
}

func (h *Handle) dispatch(kind domain.PresenceEventKind, key string, snap map[string]json.RawMessage) {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	h.lastSync = snap
	syncs := append([]func(map[string]json.RawMessage){}, h.onSync...)
	events := append([]func(domain.PresenceEvent){}, h.onEvent...)
	h.mu.Unlock()

	metrics.PresenceSyncs.Inc()

	evt := domain.PresenceEvent{Kind: kind, Topic: h.topic, Key: key, State: snap}
	for _, cb := range events {
		cb(evt)
	}
	for _, cb := range syncs {
		cb(copyState(snap))
	}
}

func copyState(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameKeys(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

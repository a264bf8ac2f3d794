package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"livechat-presence/internal/domain"
)

// Notice tells watchers of a topic that Key changed. Watchers re-read the
// snapshot; a notice carries no state of its own.
type Notice struct {
	Kind domain.PresenceEventKind `json:"kind"`
	Key  string                   `json:"key"`
}

// Backend stores per-topic participant state with expiry and fans out notices.
// Snapshot must drop, and announce as PresenceLeave, entries whose last Put is older than the TTL.
type Backend interface {
	Put(ctx context.Context, topic, key string, state json.RawMessage) error
	Remove(ctx context.Context, topic, key string) error
	Snapshot(ctx context.Context, topic string) (map[string]json.RawMessage, error)
	Notify(ctx context.Context, topic string, n Notice) error
	Watch(ctx context.Context, topic string) (<-chan Notice, error)
}

type memoryEntry struct {
	state json.RawMessage
	seen  time.Time
}

// MemoryBackend keeps presence in process memory.
type MemoryBackend struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	topics   map[string]map[string]memoryEntry
	watchers map[string]map[chan Notice]struct{}
}

func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		ttl:      ttl,
		now:      time.Now,
		topics:   make(map[string]map[string]memoryEntry),
		watchers: make(map[string]map[chan Notice]struct{}),
	}
}

func (b *MemoryBackend) Put(ctx context.Context, topic, key string, state json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]memoryEntry)
	}
	b.topics[topic][key] = memoryEntry{state: state, seen: b.now()}
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, topic, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entries, ok := b.topics[topic]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(b.topics, topic)
		}
	}
	return nil
}

func (b *MemoryBackend) Snapshot(ctx context.Context, topic string) (map[string]json.RawMessage, error) {
	b.mu.Lock()
	now := b.now()
	out := make(map[string]json.RawMessage)
	var expired []string
	for key, e := range b.topics[topic] {
		if now.Sub(e.seen) > b.ttl {
			expired = append(expired, key)
			delete(b.topics[topic], key)
			continue
		}
		out[key] = e.state
	}
	b.mu.Unlock()

	sort.Strings(expired)
	for _, key := range expired {
		_ = b.Notify(ctx, topic, Notice{Kind: domain.PresenceLeave, Key: key})
	}
	return out, nil
}

func (b *MemoryBackend) Notify(ctx context.Context, topic string, n Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers[topic] {
		select {
		case ch <- n:
		default:
			// a pending notice already forces a fresh snapshot
		}
	}
	return nil
}

func (b *MemoryBackend) Watch(ctx context.Context, topic string) (<-chan Notice, error) {
	ch := make(chan Notice, 64)

	b.mu.Lock()
	if b.watchers[topic] == nil {
		b.watchers[topic] = make(map[chan Notice]struct{})
	}
	b.watchers[topic][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.watchers[topic], ch)
		if len(b.watchers[topic]) == 0 {
			delete(b.watchers, topic)
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

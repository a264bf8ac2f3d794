package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/presence"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PresenceBackend stores each topic as a hash of participant state plus a
// sorted set of last-seen times, and fans notices over pub/sub.
type PresenceBackend struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

func (r *RedisClient) PresenceBackend(ttl time.Duration) *PresenceBackend {
	return &PresenceBackend{client: r.client, logger: r.logger, ttl: ttl, now: time.Now}
}

func presenceStateKey(topic string) string  { return fmt.Sprintf("presence:%s", topic) }
func presenceSeenKey(topic string) string   { return fmt.Sprintf("presence:%s:seen", topic) }
func presenceEventsKey(topic string) string { return fmt.Sprintf("presence:%s:events", topic) }

func (b *PresenceBackend) Put(ctx context.Context, topic, key string, state json.RawMessage) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, presenceStateKey(topic), key, []byte(state))
		pipe.ZAdd(ctx, presenceSeenKey(topic), &redis.Z{Score: float64(b.now().UnixMilli()), Member: key})
		// abandoned topics disappear on their own
		pipe.Expire(ctx, presenceStateKey(topic), b.ttl*4)
		pipe.Expire(ctx, presenceSeenKey(topic), b.ttl*4)
		return nil
	})
	return err
}

func (b *PresenceBackend) Remove(ctx context.Context, topic, key string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, presenceStateKey(topic), key)
		pipe.ZRem(ctx, presenceSeenKey(topic), key)
		return nil
	})
	return err
}

// Snapshot expires silent participants before reading. Only the node whose
// ZREM succeeds announces the leave.
func (b *PresenceBackend) Snapshot(ctx context.Context, topic string) (map[string]json.RawMessage, error) {
	cutoff := b.now().Add(-b.ttl).UnixMilli()
	expired, err := b.client.ZRangeByScore(ctx, presenceSeenKey(topic), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, key := range expired {
		removed, err := b.client.ZRem(ctx, presenceSeenKey(topic), key).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.HDel(ctx, presenceStateKey(topic), key).Err(); err != nil {
			return nil, err
		}
		if err := b.Notify(ctx, topic, presence.Notice{Kind: domain.PresenceLeave, Key: key}); err != nil {
			b.logger.Warn("presence leave notice failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	raw, err := b.client.HGetAll(ctx, presenceStateKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(raw))
	for key, state := range raw {
		out[key] = json.RawMessage(state)
	}
	return out, nil
}

func (b *PresenceBackend) Notify(ctx context.Context, topic string, n presence.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, presenceEventsKey(topic), data).Err()
}

// Watch delivers notices until ctx is done. Receive errors are retried; after
// one, a sync notice is sent because notices may have been missed.
func (b *PresenceBackend) Watch(ctx context.Context, topic string) (<-chan presence.Notice, error) {
	ps := b.client.Subscribe(ctx, presenceEventsKey(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ch := make(chan presence.Notice, 64)
	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go func() {
		defer close(ch)
		failed := false
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("presence watch receive failed", zap.String("topic", topic), zap.Error(err))
				failed = true
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}

			var n presence.Notice
			if failed {
				failed = false
				n = presence.Notice{Kind: domain.PresenceSync}
				b.offer(ch, n)
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			b.offer(ch, n)
		}
	}()
	return ch, nil
}

func (b *PresenceBackend) offer(ch chan presence.Notice, n presence.Notice) {
	select {
	case ch <- n:
	default:
	}
}

var _ presence.Backend = (*PresenceBackend)(nil)

package redis

import (
	"context"
	"sync"

	"livechat-presence/internal/changefeed"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// FeedBroker carries change events over Redis pub/sub.
type FeedBroker struct {
	client *redis.Client
	logger *zap.Logger
}

func (r *RedisClient) FeedBroker() *FeedBroker {
	return &FeedBroker{client: r.client, logger: r.logger}
}

func (b *FeedBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe waits for the server to confirm the subscription before returning.
// The stream ends on the first receive error; reconnecting is the caller's job.
func (b *FeedBroker) Subscribe(ctx context.Context, topic string) (changefeed.Stream, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &feedStream{
		ps:     ps,
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.pump(streamCtx, b.logger, topic)
	return s, nil
}

type feedStream struct {
	ps     *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (s *feedStream) Messages() <-chan []byte { return s.ch }
func (s *feedStream) Done() <-chan struct{}   { return s.done }

func (s *feedStream) Close() error {
	s.cancel()
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (s *feedStream) pump(ctx context.Context, logger *zap.Logger, topic string) {
	defer close(s.done)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("redis feed receive failed", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		select {
		case s.ch <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

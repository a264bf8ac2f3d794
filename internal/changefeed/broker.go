package changefeed

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed client or broker.
var ErrClosed = errors.New("changefeed: closed")

// Broker is the transport a Client fans events over. Topics are opaque strings.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// Stream is one live subscription on a broker. Done is closed when the
// underlying connection is lost; messages published after that are not delivered.
type Stream interface {
	Messages() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// MemoryBroker is an in-process Broker for single-node deployments and tests.
type MemoryBroker struct {
	mu           sync.Mutex
	streams      map[string]map[*memoryStream]struct{}
	subscribeErr error
	closed       bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{streams: make(map[string]map[*memoryStream]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memoryStream, 0, len(b.streams[topic]))
	for s := range b.streams[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	s := &memoryStream{
		broker: b,
		topic:  topic,
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	if b.streams[topic] == nil {
		b.streams[topic] = make(map[*memoryStream]struct{})
	}
	b.streams[topic][s] = struct{}{}
	return s, nil
}

// SetSubscribeError makes subsequent Subscribe calls fail with err until reset with nil.
func (b *MemoryBroker) SetSubscribeError(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

// Disconnect drops every stream on topic, as a network failure would.
func (b *MemoryBroker) Disconnect(topic string) {
	b.mu.Lock()
	streams := b.streams[topic]
	delete(b.streams, topic)
	b.mu.Unlock()

	for s := range streams {
		s.drop()
	}
}

// StreamCount returns the number of live streams on topic.
func (b *MemoryBroker) StreamCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[topic])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	all := b.streams
	b.streams = make(map[string]map[*memoryStream]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, streams := range all {
		for s := range streams {
			s.drop()
		}
	}
	return nil
}

type memoryStream struct {
	broker *MemoryBroker
	topic  string
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *memoryStream) Messages() <-chan []byte { return s.ch }
func (s *memoryStream) Done() <-chan struct{}   { return s.done }

func (s *memoryStream) drop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memoryStream) Close() error {
	s.broker.mu.Lock()
	if streams, ok := s.broker.streams[s.topic]; ok {
		delete(streams, s)
		if len(streams) == 0 {
			delete(s.broker.streams, s.topic)
		}
	}
	s.broker.mu.Unlock()
	s.drop()
	return nil
}

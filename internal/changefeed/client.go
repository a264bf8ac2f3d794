// Package changefeed delivers row-level insert/update/delete events per table.
//
// A Client keeps one broker stream per distinct (table, filter) pair and shares
// it between subscribers. Dropped streams are re-established with exponential
// backoff; because events published while disconnected are lost, subscribers
// registered WithResync are told to re-read their state after every reconnect.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"go.uber.org/zap"
)

const topicPrefix = "feed:"

// Topic returns the broker topic carrying events for table.
func Topic(table string) string { return topicPrefix + table }

// Filter restricts a subscription to rows whose Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// Eq builds a column-equality filter.
func Eq(column, value string) *Filter {
	return &Filter{Column: column, Value: value}
}

func (f *Filter) matches(evt domain.ChangeEvent) bool {
	if f == nil {
		return true
	}
	v, ok := evt.Column(f.Column)
	return ok && v == f.Value
}

func streamKey(table string, f *Filter) string {
	if f == nil {
		return table
	}
	return table + "?" + f.Column + "=" + f.Value
}

// Handler receives events in stream order.
type Handler func(domain.ChangeEvent)

// Publisher is the write side used by repositories after a successful mutation.
type Publisher interface {
	Publish(ctx context.Context, evt domain.ChangeEvent) error
}

// Subscriber is the read side.
type Subscriber interface {
	Subscribe(table string, filter *Filter, handler Handler, opts ...SubscribeOption) (*Subscription, error)
}

type Options struct {
	// Origin identifies this node, as OriginPrefix + node id.
	Origin string
	// SharedBroker is set when every node publishes to the same broker, so
	// events from sibling nodes arrive without relaying.
	SharedBroker   bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// OriginPrefix starts the Origin of every node of this service.
const OriginPrefix = "livechat-presence/"

type Client struct {
	broker  Broker
	logger  *zap.Logger
	opts    Options
	mu      sync.Mutex
	streams map[string]*stream
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

func NewClient(broker Broker, logger *zap.Logger, opts Options) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Client{
		broker:  broker,
		logger:  logger,
		opts:    opts,
		streams: make(map[string]*stream),
	}
}

// Origin identifies events published by this client.
func (c *Client) Origin() string { return c.opts.Origin }

// Publish sends evt to every subscriber of evt.Table, on every node sharing the broker.
func (c *Client) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Origin == "" {
		evt.Origin = c.opts.Origin
	}
	return c.Forward(ctx, evt)
}

// Forward publishes evt without stamping this client's origin. It is used to
// relay events received from other nodes.
func (c *Client) Forward(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Table == "" {
		return fmt.Errorf("publish: %w: empty table", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Table, err)
	}
	return c.broker.Publish(ctx, Topic(evt.Table), data)
}

// Relay forwards an event that arrived from outside the broker, such as a
// message bus. Events the broker has already carried are dropped; the result
// reports whether evt was forwarded.
func (c *Client) Relay(ctx context.Context, evt domain.ChangeEvent) (bool, error) {
	if evt.Origin != "" && evt.Origin == c.opts.Origin {
		return false, nil
	}
	if c.opts.SharedBroker && strings.HasPrefix(evt.Origin, OriginPrefix) {
		return false, nil
	}
	if err := c.Forward(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

type SubscribeOption func(*Subscription)

// WithResync registers fn to run after the underlying stream reconnects.
func WithResync(fn func()) SubscribeOption {
	return func(s *Subscription) { s.onResync = fn }
}

// Subscribe registers handler for events on table matching filter. Failing to
// open the underlying stream is returned to the caller; later stream errors are retried.
func (c *Client) Subscribe(table string, filter *Filter, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if table == "" || handler == nil {
		return nil, fmt.Errorf("subscribe: %w", domain.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	sub := &Subscription{id: c.nextID, client: c, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	key := streamKey(table, filter)
	if st, ok := c.streams[key]; ok {
		sub.key = key
		st.add(sub)
		return sub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs, err := c.broker.Subscribe(ctx, Topic(table))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	st := &stream{
		key:    key,
		table:  table,
		filter: filter,
		subs:   make(map[uint64]*Subscription),
		cancel: cancel,
	}
	sub.key = key
	st.add(sub)
	c.streams[key] = st
	metrics.FeedStreams.Inc()

	c.wg.Add(1)
	go c.run(ctx, st, bs)

	return sub, nil
}

// StreamCount returns the number of distinct open streams.
func (c *Client) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Close stops every stream and waits for their goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for key, st := range c.streams {
		st.cancel()
		delete(c.streams, key)
		metrics.FeedStreams.Dec()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[sub.key]
	if !ok {
		return
	}
	if st.remove(sub.id) == 0 {
		st.cancel()
		delete(c.streams, sub.key)
		metrics.FeedStreams.Dec()
	}
}

func (c *Client) run(ctx context.Context, st *stream, bs Stream) {
	defer c.wg.Done()

	for {
		st.consume(ctx, bs, c.logger)
		_ = bs.Close()
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("change feed stream lost, reconnecting", zap.String("stream", st.key))
		next, err := c.reconnect(ctx, st)
		if err != nil {
			return
		}
		bs = next
		metrics.FeedReconnects.WithLabelValues(st.table).Inc()
		st.resync()
	}
}

func (c *Client) reconnect(ctx context.Context, st *stream) (Stream, error) {
	delay := c.opts.InitialBackoff
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		bs, err := c.broker.Subscribe(ctx, Topic(st.table))
		if err == nil {
			c.logger.Info("change feed stream restored", zap.String("stream", st.key))
			return bs, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		c.logger.Warn("change feed resubscribe failed",
			zap.String("stream", st.key), zap.Duration("retry_in", delay), zap.Error(err))

		delay *= 2
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
	}
}

type stream struct {
	key    string
	table  string
	filter *Filter
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[uint64]*Subscription
}

func (s *stream) add(sub *Subscription) {
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
}

func (s *stream) remove(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return len(s.subs)
}

func (s *stream) snapshot() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *stream) consume(ctx context.Context, bs Stream, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-bs.Done():
			return
		case payload := <-bs.Messages():
			var evt domain.ChangeEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				logger.Warn("dropping malformed change event", zap.String("stream", s.key), zap.Error(err))
				continue
			}
			if evt.Table != s.table || !s.filter.matches(evt) {
				continue
			}
			for _, sub := range s.snapshot() {
				sub.deliver(evt)
			}
		}
	}
}

func (s *stream) resync() {
	for _, sub := range s.snapshot() {
		if sub.onResync != nil && sub.active.Load() {
			sub.onResync()
		}
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id       uint64
	key      string
	client   *Client
	handler  Handler
	onResync func()
	active   atomic.Bool
	once     sync.Once
}

func (s *Subscription) deliver(evt domain.ChangeEvent) {
	if s.active.Load() {
		s.handler(evt)
	}
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.client.unsubscribe(s)
	})
}

package assignment

import (
	"context"
	"sync"
	"time"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Looker resolves a customer's assignment. *Resolver implements it.
type Looker interface {
	Lookup(ctx context.Context, customerID uuid.UUID) (Resolution, error)
}

// Watcher keeps one customer's resolution current. It refreshes on a poll
// ticker and whenever a relevant row changes, and reports only changed values.
type Watcher struct {
	looker     Looker
	feed       changefeed.Subscriber
	customerID uuid.UUID
	interval   time.Duration
	logger     *zap.Logger

	kick chan string
	stop chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	current    *domain.AssignedAgent
	emitted    bool
	onChange   func(*domain.AssignedAgent)
	static     []*changefeed.Subscription
	agentSub   *changefeed.Subscription
	agentKey   uuid.UUID
	messageSub *changefeed.Subscription
	messageKey uuid.UUID
	started    bool
	closed     bool
}

func NewWatcher(looker Looker, feed changefeed.Subscriber, customerID uuid.UUID, pollInterval time.Duration, logger *zap.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Watcher{
		looker:     looker,
		feed:       feed,
		customerID: customerID,
		interval:   pollInterval,
		logger:     logger.With(zap.String("customer_id", customerID.String())),
		kick:       make(chan string, 1),
		stop:       make(chan struct{}),
	}
}

// OnChange registers cb. It is called from the watcher goroutine with the
// first resolution and then on every change.
func (w *Watcher) OnChange(cb func(*domain.AssignedAgent)) {
	w.mu.Lock()
	w.onChange = cb
	w.mu.Unlock()
}

// Current returns the last emitted resolution.
func (w *Watcher) Current() *domain.AssignedAgent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start subscribes to the feed and resolves once before returning.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	customer := w.customerID.String()
	for _, s := range []struct {
		table  string
		filter *changefeed.Filter
	}{
		{domain.TableSessions, changefeed.Eq("customer_id", customer)},
		{domain.TablePseudonyms, changefeed.Eq("customer_id", customer)},
	} {
		sub, err := w.subscribe(s.table, s.filter, s.table)
		if err != nil {
			w.Close()
			return err
		}
		w.mu.Lock()
		w.static = append(w.static, sub)
		w.mu.Unlock()
	}

	w.refresh(ctx, "initial")

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Trigger asks for a refresh. Bursts collapse into one.
func (w *Watcher) Trigger(reason string) {
	select {
	case w.kick <- reason:
	default:
	}
}

func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := append([]*changefeed.Subscription{}, w.static...)
	subs = append(subs, w.agentSub, w.messageSub)
	w.static, w.agentSub, w.messageSub = nil, nil, nil
	w.mu.Unlock()

	close(w.stop)
	for _, s := range subs {
		if s != nil {
			s.Unsubscribe()
		}
	}
	w.wg.Wait()
}

func (w *Watcher) subscribe(table string, filter *changefeed.Filter, trigger string) (*changefeed.Subscription, error) {
	return w.feed.Subscribe(table, filter,
		func(evt domain.ChangeEvent) {
			if table == domain.TableMessages && evt.Kind != domain.ChangeInsert {
				return
			}
			w.Trigger(trigger)
		},
		changefeed.WithResync(func() { w.Trigger("resync") }),
	)
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.refresh(context.Background(), "poll")
		case reason := <-w.kick:
			w.refresh(context.Background(), reason)
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, trigger string) {
	metrics.ResolverRefreshes.WithLabelValues(trigger).Inc()

	res, err := w.looker.Lookup(ctx, w.customerID)
	if err != nil {
		w.logger.Warn("assigned agent refresh failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}

	var agentID uuid.UUID
	if res.Agent != nil {
		agentID = res.Agent.ID
	}
	w.rebind(agentID, res.SessionID)

	w.mu.Lock()
	if w.closed || (w.emitted && w.current.Equal(res.Agent)) {
		w.mu.Unlock()
		return
	}
	w.current = res.Agent
	w.emitted = true
	cb := w.onChange
	w.mu.Unlock()

	if cb != nil {
		cb(res.Agent)
	}
}

// rebind moves the presence and message subscriptions to follow the current
// agent and session.
func (w *Watcher) rebind(agentID, sessionID uuid.UUID) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var stale []*changefeed.Subscription
	needAgent := agentID != w.agentKey || (agentID != uuid.Nil && w.agentSub == nil)
	needMessages := sessionID != w.messageKey || (sessionID != uuid.Nil && w.messageSub == nil)
	if needAgent {
		stale = append(stale, w.agentSub)
		w.agentSub, w.agentKey = nil, agentID
	}
	if needMessages {
		stale = append(stale, w.messageSub)
		w.messageSub, w.messageKey = nil, sessionID
	}
	w.mu.Unlock()

	for _, s := range stale {
		if s != nil {
			s.Unsubscribe()
		}
	}

	if needAgent && agentID != uuid.Nil {
		sub, err := w.subscribe(domain.TablePresence, changefeed.Eq("agent_id", agentID.String()), domain.TablePresence)
		w.attach(&w.agentSub, sub, err)
	}
	if needMessages && sessionID != uuid.Nil {
		sub, err := w.subscribe(domain.TableMessages, changefeed.Eq("session_id", sessionID.String()), domain.TableMessages)
		w.attach(&w.messageSub, sub, err)
	}
}

func (w *Watcher) attach(slot **changefeed.Subscription, sub *changefeed.Subscription, err error) {
	if err != nil {
		// polling still covers this source; the next refresh retries
		w.logger.Warn("assigned agent subscription failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || *slot != nil {
		sub.Unsubscribe()
		return
	}
	*slot = sub
}

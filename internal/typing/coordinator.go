// Package typing turns keystrokes into throttled, self-expiring typing
// announcements on a presence channel and folds everyone else's announcements
// into a single "someone else is typing" indicator.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"go.uber.org/zap"
)

// Tracker is the slice of a presence handle the coordinator needs.
type Tracker interface {
	Key() string
	Track(ctx context.Context, state interface{}) error
	OnSync(cb func(map[string]json.RawMessage))
	Leave(ctx context.Context) error
}

type Options struct {
	// Timeout clears a local announcement and hides remote ones this long after their timestamp.
	Timeout time.Duration
	// Throttle is the minimum gap between two typing publishes.
	Throttle time.Duration
}

type Coordinator struct {
	handle Tracker
	name   string
	role   domain.ParticipantRole
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// pubMu keeps Track calls in the order their states were computed
	pubMu sync.Mutex

	mu          sync.Mutex
	typing      bool
	lastPublish time.Time
	clearTimer  *time.Timer
	clearGen    uint64
	expiryTimer *time.Timer
	remote      map[string]domain.TypingState
	indicator   domain.TypingIndicator
	onChange    func(domain.TypingIndicator)
	closed      bool
}

func New(handle Tracker, name string, role domain.ParticipantRole, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Throttle <= 0 {
		opts.Throttle = 500 * time.Millisecond
	}
	c := &Coordinator{
		handle: handle,
		name:   name,
		role:   role,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		remote: make(map[string]domain.TypingState),
	}
	handle.OnSync(c.onSync)
	return c
}

// OnChange registers cb to receive the indicator whenever it flips or its label changes.
func (c *Coordinator) OnChange(cb func(domain.TypingIndicator)) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

// Announce marks the local participant as typing. Calls inside the throttle
// window only re-arm the auto-clear timer.
func (c *Coordinator) Announce(ctx context.Context) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.armClear()

	now := c.now()
	if c.typing && now.Sub(c.lastPublish) < c.opts.Throttle {
		c.mu.Unlock()
		return nil
	}
	c.typing = true
	c.lastPublish = now
	state := c.state(true, now)
	c.mu.Unlock()

	metrics.TypingPublishes.Inc()
	return c.handle.Track(ctx, state)
}

// Clear marks the local participant as idle, e.g. after submit or an emptied input.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.clear(ctx, 0)
}

// expire is the auto-clear. It does nothing when an Announce re-armed the
// timer after gen was issued.
func (c *Coordinator) expire(ctx context.Context, gen uint64) error {
	return c.clear(ctx, gen)
}

// clear goes idle; a non-zero gen must still be the current timer generation.
func (c *Coordinator) clear(ctx context.Context, gen uint64) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if gen != 0 && gen != c.clearGen {
		c.mu.Unlock()
		return nil
	}
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	if !c.typing || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.typing = false
	state := c.state(false, c.now())
	c.mu.Unlock()

	return c.handle.Track(ctx, state)
}

// IsTyping reports the local state.
func (c *Coordinator) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// IsOtherTyping reports whether any other participant has a fresh typing announcement.
func (c *Coordinator) IsOtherTyping() bool {
	return c.Indicator().IsOtherTyping
}

// Label is the human readable indicator, empty when nobody else is typing.
func (c *Coordinator) Label() string {
	return c.Indicator().Label
}

// Indicator recomputes the aggregate against the current time.
func (c *Coordinator) Indicator() domain.TypingIndicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	ind, _ := c.aggregate(c.now())
	return ind
}

// Close stops timers and leaves the channel.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.clearTimer != nil {
		c.clearTimer.Stop()
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	c.mu.Unlock()

	return c.handle.Leave(ctx)
}

func (c *Coordinator) state(typing bool, at time.Time) domain.TypingState {
	return domain.TypingState{
		ParticipantID: c.handle.Key(),
		IsTyping:      typing,
		Name:          c.name,
		Role:          c.role,
		Timestamp:     at.UTC(),
	}
}

// armClear must be called with c.mu held.
func (c *Coordinator) armClear() {
	if c.clearTimer != nil {
		c.clearTimer.Stop()
	}
	c.clearGen++
	gen := c.clearGen
	c.clearTimer = time.AfterFunc(c.opts.Timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.expire(ctx, gen); err != nil {
			c.logger.Warn("typing auto-clear failed", zap.Error(err))
		}
	})
}

func (c *Coordinator) onSync(state map[string]json.RawMessage) {
	self := c.handle.Key()
	remote := make(map[string]domain.TypingState, len(state))
	for key, raw := range state {
		if key == self {
			continue
		}
		var ts domain.TypingState
		if err := json.Unmarshal(raw, &ts); err != nil {
			continue
		}
		remote[key] = ts
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remote = remote
	c.mu.Unlock()

	c.reevaluate()
}

func (c *Coordinator) reevaluate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.now()
	ind, nextExpiry := c.aggregate(now)

	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if !nextExpiry.IsZero() {
		c.expiryTimer = time.AfterFunc(nextExpiry.Sub(now)+time.Millisecond, c.reevaluate)
	}

	changed := ind != c.indicator
	c.indicator = ind
	cb := c.onChange
	c.mu.Unlock()

	if changed && cb != nil {
		cb(ind)
	}
}

// aggregate must be called with c.mu held. It returns the indicator and the
// earliest moment one of the counted entries goes stale.
func (c *Coordinator) aggregate(now time.Time) (domain.TypingIndicator, time.Time) {
	keys := make([]string, 0, len(c.remote))
	for key := range c.remote {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var (
		first      *domain.TypingState
		nextExpiry time.Time
	)
	for _, key := range keys {
		ts := c.remote[key]
		if !ts.IsTyping {
			continue
		}
		expires := ts.Timestamp.Add(c.opts.Timeout)
		if !now.Before(expires) {
			continue
		}
		if first == nil {
			first = &ts
		}
		if nextExpiry.IsZero() || expires.Before(nextExpiry) {
			nextExpiry = expires
		}
	}

	if first == nil {
		return domain.TypingIndicator{}, time.Time{}
	}
	return domain.TypingIndicator{IsOtherTyping: true, Label: label(*first)}, nextExpiry
}

func label(ts domain.TypingState) string {
	if ts.Name != "" {
		return ts.Name + " is typing…"
	}
	switch ts.Role {
	case domain.RoleAgent:
		return "Support is typing…"
	case domain.RoleCustomer:
		return "Customer is typing…"
	}
	return "Someone is typing…"
}

// Package inactivity moves a silent agent from online to away, and from away
// to offline unless they confirm they are still there.
package inactivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State int

const (
	StateOnline State = iota + 1
	StateAway
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateAway:
		return "away"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Offliner takes an agent offline and records why for their open sessions.
type Offliner interface {
	GoOffline(ctx context.Context, agentID uuid.UUID, reason domain.ReassignReason) error
}

type Options struct {
	// Timeout is the silence after which the agent is marked away.
	Timeout time.Duration
	// Grace is how long an away agent has to come back before going offline.
	Grace time.Duration
}

type Monitor struct {
	agentID  uuid.UUID
	offliner Offliner
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	awayAt  time.Time
	timer   *time.Timer
	gen     uint64
	onAway  func()
	onState func(State, domain.ReassignReason)
	started bool
	stopped bool
}

func NewMonitor(agentID uuid.UUID, offliner Offliner, opts Options, logger *zap.Logger) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Minute
	}
	return &Monitor{
		agentID:  agentID,
		offliner: offliner,
		opts:     opts,
		logger:   logger.With(zap.String("agent_id", agentID.String())),
		now:      time.Now,
		state:    StateOnline,
	}
}

// OnAway registers cb to run when the agent turns away.
func (m *Monitor) OnAway(cb func()) {
	m.mu.Lock()
	m.onAway = cb
	m.mu.Unlock()
}

// OnStateChange registers cb to run after every transition. The reason is
// empty except for transitions to offline.
func (m *Monitor) OnStateChange(cb func(State, domain.ReassignReason)) {
	m.mu.Lock()
	m.onState = cb
	m.mu.Unlock()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins watching for silence.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.armLocked(m.opts.Timeout, m.onSilence)
}

// Activity records that the agent did something. An away agent within the
// grace period is back online.
func (m *Monitor) Activity() {
	m.mu.Lock()
	switch m.state {
	case StateOnline:
		if m.started && !m.stopped {
			m.armLocked(m.opts.Timeout, m.onSilence)
		}
		m.mu.Unlock()
	case StateAway:
		if m.now().Sub(m.awayAt) > m.opts.Grace {
			m.mu.Unlock()
			return
		}
		m.backOnlineLocked()
	default:
		m.mu.Unlock()
	}
}

// StayOnline is the answer to the away prompt.
func (m *Monitor) StayOnline() {
	m.mu.Lock()
	if m.state != StateAway {
		if m.state == StateOnline && m.started && !m.stopped {
			m.armLocked(m.opts.Timeout, m.onSilence)
		}
		m.mu.Unlock()
		return
	}
	m.backOnlineLocked()
}

// Resume brings the agent back online after they went online by another
// path, such as the REST endpoint. It is a no-op while online or once stopped.
func (m *Monitor) Resume() {
	m.mu.Lock()
	if m.stopped || !m.started || m.state == StateOnline {
		m.mu.Unlock()
		return
	}
	m.backOnlineLocked()
}

// backOnlineLocked unlocks m.
func (m *Monitor) backOnlineLocked() {
	m.state = StateOnline
	m.armLocked(m.opts.Timeout, m.onSilence)
	cb := m.onState
	m.mu.Unlock()

	metrics.AgentTransitions.WithLabelValues(StateOnline.String()).Inc()
	if cb != nil {
		cb(StateOnline, "")
	}
}

// GoOffline takes the agent offline for reason. Only the first call reaches
// the Offliner.
func (m *Monitor) GoOffline(ctx context.Context, reason domain.ReassignReason) error {
	if !reason.IsAgentOfflineReason() {
		return fmt.Errorf("%w: %q is not an offline reason", domain.ErrInvalidInput, reason)
	}

	m.mu.Lock()
	if m.state == StateOffline || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateOffline
	m.stopTimerLocked()
	cb := m.onState
	m.mu.Unlock()

	metrics.AgentTransitions.WithLabelValues(StateOffline.String()).Inc()
	m.logger.Info("agent going offline", zap.String("reason", string(reason)))

	err := m.offliner.GoOffline(ctx, m.agentID, reason)
	if cb != nil {
		cb(StateOffline, reason)
	}
	return err
}

// Stop cancels pending timers. Later calls are no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.stopTimerLocked()
}

func (m *Monitor) onSilence(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.state != StateOnline {
		m.mu.Unlock()
		return
	}
	m.state = StateAway
	m.awayAt = m.now()
	m.armLocked(m.opts.Grace, m.onGraceExpired)
	away, cb := m.onAway, m.onState
	m.mu.Unlock()

	metrics.AgentTransitions.WithLabelValues(StateAway.String()).Inc()
	if away != nil {
		away()
	}
	if cb != nil {
		cb(StateAway, "")
	}
}

func (m *Monitor) onGraceExpired(gen uint64) {
	m.mu.Lock()
	live := gen == m.gen && !m.stopped && m.state == StateAway
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.GoOffline(context.Background(), domain.ReasonInactivityTimeout); err != nil {
		m.logger.Warn("inactivity offline failed", zap.Error(err))
	}
}

func (m *Monitor) armLocked(d time.Duration, fn func(uint64)) {
	m.stopTimerLocked()
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (m *Monitor) stopTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

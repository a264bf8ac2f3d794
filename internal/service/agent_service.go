package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AgentService struct {
	presence repository.PresenceRepository
	viewing  repository.ViewingRepository
	sessions repository.SessionRepository
	logs     repository.ReassignmentLogRepository
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewAgentService(
	presence repository.PresenceRepository,
	viewing repository.ViewingRepository,
	sessions repository.SessionRepository,
	logs repository.ReassignmentLogRepository,
	recencyWindow time.Duration,
	logger *zap.Logger,
) *AgentService {
	return &AgentService{
		presence: presence,
		viewing:  viewing,
		sessions: sessions,
		logs:     logs,
		window:   recencyWindow,
		logger:   logger,
		now:      repository.Now,
	}
}

// GoOnline marks the agent online. Repeating it only refreshes last_seen_at.
// An agent coming back from offline is logged on each of their open sessions.
func (s *AgentService) GoOnline(ctx context.Context, agentID uuid.UUID) error {
	now := s.now()
	prev, err := s.presence.Find(ctx, agentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	wasLive := prev != nil && prev.IsLive(now, s.window)

	if err := s.presence.Upsert(ctx, &domain.PresenceRecord{AgentID: agentID, IsOnline: true, LastSeenAt: now}); err != nil {
		return err
	}
	if wasLive {
		return nil
	}

	s.logger.Info("agent online", zap.String("agent_id", agentID.String()))
	return s.logForOpenSessions(ctx, agentID, nil, &agentID, domain.ReasonAgentBecameAvailable)
}

// Heartbeat refreshes last_seen_at without changing is_online.
func (s *AgentService) Heartbeat(ctx context.Context, agentID uuid.UUID) error {
	record, err := s.presence.Find(ctx, agentID)
	if err != nil {
		return err
	}
	record.LastSeenAt = s.now()
	return s.presence.Upsert(ctx, record)
}

// GoOffline marks the agent offline and logs reason on each of their open
// sessions. Going offline twice logs once.
func (s *AgentService) GoOffline(ctx context.Context, agentID uuid.UUID, reason domain.ReassignReason) error {
	if !reason.IsAgentOfflineReason() {
		return fmt.Errorf("%w: %q is not an offline reason", domain.ErrInvalidInput, reason)
	}

	prev, err := s.presence.Find(ctx, agentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := s.presence.Upsert(ctx, &domain.PresenceRecord{AgentID: agentID, IsOnline: false, LastSeenAt: s.now()}); err != nil {
		return err
	}
	if err := s.viewing.Delete(ctx, agentID); err != nil {
		s.logger.Warn("failed to clear viewing presence", zap.String("agent_id", agentID.String()), zap.Error(err))
	}

	if prev != nil && !prev.IsOnline {
		return nil
	}
	s.logger.Info("agent offline", zap.String("agent_id", agentID.String()), zap.String("reason", string(reason)))
	return s.logForOpenSessions(ctx, agentID, &agentID, nil, reason)
}

func (s *AgentService) SetViewing(ctx context.Context, agentID, customerID uuid.UUID) error {
	if customerID == uuid.Nil {
		return fmt.Errorf("%w: customer_id is required", domain.ErrInvalidInput)
	}
	return s.viewing.Upsert(ctx, &domain.ViewingPresence{
		AgentID:    agentID,
		CustomerID: customerID,
		IsViewing:  true,
		LastSeenAt: s.now(),
	})
}

func (s *AgentService) ClearViewing(ctx context.Context, agentID uuid.UUID) error {
	return s.viewing.Delete(ctx, agentID)
}

// SweepStale takes offline every agent marked online whose last heartbeat is
// outside the recency window. It returns how many were swept.
func (s *AgentService) SweepStale(ctx context.Context) (int, error) {
	stale, err := s.presence.FindStaleOnline(ctx, s.now().Add(-s.window))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, record := range stale {
		if err := s.GoOffline(ctx, record.AgentID, domain.ReasonAgentWentOffline); err != nil {
			s.logger.Warn("failed to sweep stale agent", zap.String("agent_id", record.AgentID.String()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *AgentService) logForOpenSessions(ctx context.Context, agentID uuid.UUID, previous, next *uuid.UUID, reason domain.ReassignReason) error {
	sessions, err := s.sessions.FindActiveByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for i := range sessions {
		appendReassignment(ctx, s.logs, s.logger, &sessions[i], previous, next, reason)
	}
	return nil
}

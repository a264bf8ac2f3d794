package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChatService struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	logs     repository.ReassignmentLogRepository
	logger   *zap.Logger
}

func NewChatService(
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	logs repository.ReassignmentLogRepository,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{sessions: sessions, messages: messages, logs: logs, logger: logger}
}

// SendCustomerMessage stores a customer message on their current session. The
// first message, or the first after a close, opens a new unassigned session.
// A customer who had left is reconnected.
func (s *ChatService) SendCustomerMessage(ctx context.Context, customerID uuid.UUID, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput)
	}

	session, err := s.sessions.FindLatestByCustomer(ctx, customerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	created := false
	if session == nil || session.Status == domain.SessionClosed {
		session = &domain.ChatSession{CustomerID: customerID, Status: domain.SessionActive}
		if err := s.sessions.Create(ctx, session); err != nil {
			return nil, err
		}
		created = true
		s.logger.Info("chat session opened",
			zap.String("session_id", session.ID.String()), zap.String("customer_id", customerID.String()))
	}

	msg := &domain.ChatMessage{
		SessionID:   session.ID,
		SenderID:    &customerID,
		SenderType:  domain.SenderCustomer,
		Message:     req.Message,
		MessageType: req.MessageType,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	if !created {
		reconnected := false
		var agent *uuid.UUID
		_, err := s.mutate(ctx, session.ID, func(sess *domain.ChatSession) error {
			reconnected = sess.Status == domain.SessionUserLeft
			if reconnected {
				sess.Status = domain.SessionActive
			}
			agent = sess.AssignedAgentID
			sess.LastActivityAt = repository.Now()
			return nil
		})
		if err != nil {
			return nil, err
		}
		if reconnected {
			s.appendLog(ctx, session, agent, agent, domain.ReasonUserReconnected)
		}
	}

	return &domain.SendMessageResponse{
		SessionID: session.ID,
		MessageID: msg.ID,
		Created:   created,
		Timestamp: msg.CreatedAt,
	}, nil
}

// SendAgentMessage stores a message from the agent assigned to sessionID.
func (s *ChatService) SendAgentMessage(ctx context.Context, sessionID, agentID uuid.UUID, req domain.SendMessageRequest) (*domain.ChatMessage, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput)
	}

	_, err := s.mutate(ctx, sessionID, func(sess *domain.ChatSession) error {
		if sess.Status.IsClosed() {
			return domain.ErrSessionClosed
		}
		if sess.AssignedAgentID == nil || *sess.AssignedAgentID != agentID {
			return domain.ErrForbidden
		}
		sess.LastActivityAt = repository.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := &domain.ChatMessage{
		SessionID:   sessionID,
		SenderID:    &agentID,
		SenderType:  domain.SenderAgent,
		Message:     req.Message,
		MessageType: req.MessageType,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ClaimSession assigns agentID to an open session.
func (s *ChatService) ClaimSession(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	var previous *uuid.UUID
	session, err := s.mutate(ctx, sessionID, func(sess *domain.ChatSession) error {
		if sess.Status.IsClosed() {
			return domain.ErrSessionClosed
		}
		previous = sess.AssignedAgentID
		sess.AssignedAgentID = &agentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, session, previous, &agentID, domain.ReasonSessionClaimed)
	return session, nil
}

// ReassignSession hands a session from its current agent to newAgentID.
func (s *ChatService) ReassignSession(ctx context.Context, sessionID, agentID, newAgentID uuid.UUID) (*domain.ChatSession, error) {
	if newAgentID == uuid.Nil {
		return nil, fmt.Errorf("%w: new_agent_id is required", domain.ErrInvalidInput)
	}
	var previous *uuid.UUID
	session, err := s.mutate(ctx, sessionID, func(sess *domain.ChatSession) error {
		if sess.Status.IsClosed() {
			return domain.ErrSessionClosed
		}
		if sess.AssignedAgentID == nil || *sess.AssignedAgentID != agentID {
			return domain.ErrForbidden
		}
		previous = sess.AssignedAgentID
		sess.AssignedAgentID = &newAgentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, session, previous, &newAgentID, domain.ReasonManualReassign)
	return session, nil
}

// CloseSession ends a session. Only its agent may close it.
func (s *ChatService) CloseSession(ctx context.Context, sessionID, agentID uuid.UUID) (*domain.ChatSession, error) {
	session, err := s.mutate(ctx, sessionID, func(sess *domain.ChatSession) error {
		if sess.AssignedAgentID == nil || *sess.AssignedAgentID != agentID {
			return domain.ErrForbidden
		}
		if sess.Status == domain.SessionClosed {
			return domain.ErrSessionClosed
		}
		sess.Status = domain.SessionClosed
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, session, session.AssignedAgentID, nil, domain.ReasonSessionClosed)
	return session, nil
}

// LeaveSession marks a session abandoned by its customer.
func (s *ChatService) LeaveSession(ctx context.Context, sessionID, customerID uuid.UUID, reason domain.ReassignReason) (*domain.ChatSession, error) {
	if !reason.IsCustomerLeaveReason() {
		return nil, fmt.Errorf("%w: %q is not a leave reason", domain.ErrInvalidInput, reason)
	}
	left := false
	session, err := s.mutate(ctx, sessionID, func(sess *domain.ChatSession) error {
		if sess.CustomerID != customerID {
			return domain.ErrForbidden
		}
		left = sess.Status == domain.SessionActive
		if left {
			sess.Status = domain.SessionUserLeft
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if left {
		s.appendLog(ctx, session, session.AssignedAgentID, nil, reason)
	}
	return session, nil
}

// mutate applies fn to a fresh read of the session and writes it back,
// retrying once if another writer got there first.
func (s *ChatService) mutate(ctx context.Context, sessionID uuid.UUID, fn func(*domain.ChatSession) error) (*domain.ChatSession, error) {
	for attempt := 0; ; attempt++ {
		session, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			return nil, err
		}
		err = s.sessions.Update(ctx, session)
		if errors.Is(err, domain.ErrConflict) && attempt == 0 {
			s.logger.Debug("session write conflict, retrying", zap.String("session_id", sessionID.String()))
			continue
		}
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (s *ChatService) appendLog(ctx context.Context, session *domain.ChatSession, previous, next *uuid.UUID, reason domain.ReassignReason) {
	appendReassignment(ctx, s.logs, s.logger, session, previous, next, reason)
}

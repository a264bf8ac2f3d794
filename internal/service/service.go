// Package service holds the write paths for sessions and agent presence. Every
// ownership change is recorded in the reassignment log.
package service

import (
	"context"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// appendReassignment logs a failure instead of returning it; the session
// change it describes has already been written.
func appendReassignment(
	ctx context.Context,
	logs repository.ReassignmentLogRepository,
	logger *zap.Logger,
	session *domain.ChatSession,
	previous, next *uuid.UUID,
	reason domain.ReassignReason,
) {
	entry := &domain.ReassignmentLogEntry{
		SessionID:       session.ID,
		CustomerID:      session.CustomerID,
		PreviousAgentID: previous,
		NewAgentID:      next,
		Reason:          reason,
	}
	if err := logs.Append(ctx, entry); err != nil {
		logger.Error("failed to append reassignment log",
			zap.String("session_id", session.ID.String()),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
}

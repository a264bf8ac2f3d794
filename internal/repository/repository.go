// Package repository is the record store. Every successful write is followed
// by a change event so that feed subscribers observe it.
package repository

import (
	"context"
	"errors"
	"time"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.ChatSession) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	FindLatestByCustomer(ctx context.Context, customerID uuid.UUID) (*domain.ChatSession, error)
	FindActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]domain.ChatSession, error)
	Update(ctx context.Context, session *domain.ChatSession) error
}

type PresenceRepository interface {
	Upsert(ctx context.Context, record *domain.PresenceRecord) error
	Find(ctx context.Context, agentID uuid.UUID) (*domain.PresenceRecord, error)
	FindStaleOnline(ctx context.Context, seenBefore time.Time) ([]domain.PresenceRecord, error)
	Count(ctx context.Context, agentID uuid.UUID) (int64, error)
}

type ViewingRepository interface {
	Upsert(ctx context.Context, viewing *domain.ViewingPresence) error
	Delete(ctx context.Context, agentID uuid.UUID) error
	FindByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.ViewingPresence, error)
}

type ReassignmentLogRepository interface {
	Append(ctx context.Context, entry *domain.ReassignmentLogEntry) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.ReassignmentLogEntry, error)
}

type PseudonymRepository interface {
	FindByCustomer(ctx context.Context, customerID uuid.UUID) (*domain.AgentPseudonym, error)
	Upsert(ctx context.Context, pseudonym *domain.AgentPseudonym) error
}

type AgentProfileRepository interface {
	FindByID(ctx context.Context, agentID uuid.UUID) (*domain.AgentProfile, error)
	Upsert(ctx context.Context, profile *domain.AgentProfile) error
	CountAdmins(ctx context.Context) (int64, error)
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.ChatMessage) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

// base carries what every gorm repository shares.
type base struct {
	db        *gorm.DB
	publisher changefeed.Publisher
	logger    *zap.Logger
}

func (b base) emit(ctx context.Context, kind domain.ChangeKind, table string, row interface{}) {
	if b.publisher == nil {
		return
	}
	evt, err := domain.NewChangeEvent(kind, table, row)
	if err != nil {
		b.logger.Error("failed to build change event", zap.String("table", table), zap.Error(err))
		return
	}
	// The write already committed; subscribers fall back to polling if this is lost.
	if err := b.publisher.Publish(ctx, evt); err != nil {
		b.logger.Warn("failed to publish change event",
			zap.String("table", table), zap.String("kind", kind.String()), zap.Error(err))
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// Now is the timestamp used for writes: UTC at microsecond precision, which
// both postgres and sqlite store without rounding.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

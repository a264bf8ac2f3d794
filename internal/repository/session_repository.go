package repository

import (
	"context"
	"errors"
	"fmt"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sessionRepository struct {
	base
}

func NewSessionRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) SessionRepository {
	return &sessionRepository{base{db: db, publisher: publisher, logger: logger}}
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.ChatSession) error {
	now := Now()
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = domain.SessionActive
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	session.Version = 1
	session.CreatedAt = now
	session.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.emit(ctx, domain.ChangeInsert, domain.TableSessions, session)
	return nil
}

func (r *sessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *sessionRepository) FindLatestByCustomer(ctx context.Context, customerID uuid.UUID) (*domain.ChatSession, error) {
	var session domain.ChatSession
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("updated_at DESC").
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *sessionRepository) FindActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]domain.ChatSession, error) {
	var sessions []domain.ChatSession
	err := r.db.WithContext(ctx).
		Where("assigned_agent_id = ? AND status = ?", agentID, domain.SessionActive).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// Update writes session if nobody changed it since it was read, and bumps its
// version. A lost race returns domain.ErrConflict.
func (r *sessionRepository) Update(ctx context.Context, session *domain.ChatSession) error {
	now := Now()

	var agent interface{}
	if session.AssignedAgentID != nil {
		agent = *session.AssignedAgentID
	}

	res := r.db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ? AND version = ?", session.ID, session.Version).
		Updates(map[string]interface{}{
			"assigned_agent_id": agent,
			"status":            session.Status,
			"last_activity_at":  session.LastActivityAt,
			"version":           session.Version + 1,
			"updated_at":        now,
		})
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, session.ID); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}

	session.Version++
	session.UpdatedAt = now
	r.emit(ctx, domain.ChangeUpdate, domain.TableSessions, session)
	return nil
}

package repository

import (
	"context"
	"fmt"

	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type agentProfileRepository struct {
	base
}

// NewAgentProfileRepository does not publish changes: profiles hold PII and
// nothing subscribes to them.
func NewAgentProfileRepository(db *gorm.DB, logger *zap.Logger) AgentProfileRepository {
	return &agentProfileRepository{base{db: db, logger: logger}}
}

func (r *agentProfileRepository) FindByID(ctx context.Context, agentID uuid.UUID) (*domain.AgentProfile, error) {
	var p domain.AgentProfile
	if err := r.db.WithContext(ctx).First(&p, "agent_id = ?", agentID).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *agentProfileRepository) Upsert(ctx context.Context, p *domain.AgentProfile) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "last_ip", "is_admin"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert agent profile: %w", err)
	}
	return nil
}

func (r *agentProfileRepository) CountAdmins(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.AgentProfile{}).Where("is_admin = ?", true).Count(&n).Error
	return n, err
}


package repository

import (
	"context"
	"fmt"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type pseudonymRepository struct {
	base
}

func NewPseudonymRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) PseudonymRepository {
	return &pseudonymRepository{base{db: db, publisher: publisher, logger: logger}}
}

func (r *pseudonymRepository) FindByCustomer(ctx context.Context, customerID uuid.UUID) (*domain.AgentPseudonym, error) {
	var p domain.AgentPseudonym
	if err := r.db.WithContext(ctx).First(&p, "customer_id = ?", customerID).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *pseudonymRepository) Upsert(ctx context.Context, p *domain.AgentPseudonym) error {
	p.UpdatedAt = Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"agent_id", "pseudonym", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert pseudonym: %w", err)
	}
	r.emit(ctx, domain.ChangeUpdate, domain.TablePseudonyms, p)
	return nil
}

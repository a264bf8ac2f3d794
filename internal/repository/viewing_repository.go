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
	"gorm.io/gorm/clause"
)

type viewingRepository struct {
	base
}

func NewViewingRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) ViewingRepository {
	return &viewingRepository{base{db: db, publisher: publisher, logger: logger}}
}

// Upsert replaces whatever the agent was viewing before.
func (r *viewingRepository) Upsert(ctx context.Context, viewing *domain.ViewingPresence) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "is_viewing", "last_seen_at"}),
	}).Create(viewing).Error
	if err != nil {
		return fmt.Errorf("upsert viewing: %w", err)
	}
	r.emit(ctx, domain.ChangeUpdate, domain.TableViewing, viewing)
	return nil
}

func (r *viewingRepository) Delete(ctx context.Context, agentID uuid.UUID) error {
	var existing domain.ViewingPresence
	if err := r.db.WithContext(ctx).First(&existing, "agent_id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&domain.ViewingPresence{}).Error; err != nil {
		return fmt.Errorf("delete viewing: %w", err)
	}
	r.emit(ctx, domain.ChangeDelete, domain.TableViewing, existing)
	return nil
}

func (r *viewingRepository) FindByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.ViewingPresence, error) {
	var rows []domain.ViewingPresence
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND is_viewing = ?", customerID, true).
		Find(&rows).Error
	return rows, err
}

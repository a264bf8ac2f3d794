package repository

import (
	"context"
	"fmt"
	"time"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type presenceRepository struct {
	base
}

func NewPresenceRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) PresenceRepository {
	return &presenceRepository{base{db: db, publisher: publisher, logger: logger}}
}

// Upsert is keyed by agent_id, so repeated writes for one agent keep a single row.
func (r *presenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_seen_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	r.emit(ctx, domain.ChangeUpdate, domain.TablePresence, record)
	return nil
}

func (r *presenceRepository) Find(ctx context.Context, agentID uuid.UUID) (*domain.PresenceRecord, error) {
	var record domain.PresenceRecord
	if err := r.db.WithContext(ctx).First(&record, "agent_id = ?", agentID).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

func (r *presenceRepository) FindStaleOnline(ctx context.Context, seenBefore time.Time) ([]domain.PresenceRecord, error) {
	var records []domain.PresenceRecord
	err := r.db.WithContext(ctx).
		Where("is_online = ? AND last_seen_at < ?", true, seenBefore).
		Find(&records).Error
	return records, err
}

func (r *presenceRepository) Count(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.PresenceRecord{}).Where("agent_id = ?", agentID).Count(&n).Error
	return n, err
}

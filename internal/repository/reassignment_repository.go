package repository

import (
	"context"
	"fmt"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"
	"livechat-presence/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type reassignmentLogRepository struct {
	base
}

func NewReassignmentLogRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) ReassignmentLogRepository {
	return &reassignmentLogRepository{base{db: db, publisher: publisher, logger: logger}}
}

// Append never updates existing rows.
func (r *reassignmentLogRepository) Append(ctx context.Context, entry *domain.ReassignmentLogEntry) error {
	if !entry.Reason.Valid() {
		return fmt.Errorf("%w: unknown reassignment reason %q", domain.ErrInvalidInput, entry.Reason)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = Now()

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append reassignment log: %w", err)
	}
	metrics.ReassignmentLogs.WithLabelValues(string(entry.Reason)).Inc()
	r.emit(ctx, domain.ChangeInsert, domain.TableReassignmentLogs, entry)
	return nil
}

func (r *reassignmentLogRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.ReassignmentLogEntry, error) {
	var entries []domain.ReassignmentLogEntry
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

package repository

import (
	"context"
	"fmt"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type messageRepository struct {
	base
}

func NewMessageRepository(db *gorm.DB, publisher changefeed.Publisher, logger *zap.Logger) MessageRepository {
	return &messageRepository{base{db: db, publisher: publisher, logger: logger}}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	msg.CreatedAt = Now()

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	r.emit(ctx, domain.ChangeInsert, domain.TableMessages, msg)
	return nil
}

// ListBySession returns the newest limit messages, oldest first.
func (r *messageRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []domain.ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

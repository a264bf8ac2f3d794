package kafka

import (
	"context"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"go.uber.org/zap"
)

// Sender is the part of KafkaProducer the mirror needs.
type Sender interface {
	SendMessage(ctx context.Context, message interface{}) error
}

// ChangeMirror publishes change events to the local feed and copies them to
// the record-changes topic for other nodes and services.
type ChangeMirror struct {
	local  *changefeed.Client
	sender Sender
	logger *zap.Logger
}

func NewChangeMirror(local *changefeed.Client, sender Sender, logger *zap.Logger) *ChangeMirror {
	return &ChangeMirror{local: local, sender: sender, logger: logger}
}

// Publish fails only when the local feed rejects evt.
func (m *ChangeMirror) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	if evt.Origin == "" {
		evt.Origin = m.local.Origin()
	}
	if err := m.local.Publish(ctx, evt); err != nil {
		return err
	}
	if m.sender == nil {
		return nil
	}
	if err := m.sender.SendMessage(ctx, evt); err != nil {
		m.logger.Warn("failed to mirror change event", zap.String("table", evt.Table), zap.Error(err))
	}
	return nil
}

var _ changefeed.Publisher = (*ChangeMirror)(nil)

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livechat-presence/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicRecordChanges    = "record-changes"
	TopicChatMessages     = "chat-messages"
	TopicConnectionStatus = "connection-status"
)

type KafkaProducer struct {
	Writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaProducer(brokers []string, logger *zap.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: 0 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer, logger: logger}
}

// SendMessage routes message to its topic by type. The key keeps one
// table or session on one partition so consumers see it in order.
func (k *KafkaProducer) SendMessage(ctx context.Context, message interface{}) error {
	topic, key, err := route(message)
	if err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("failed to send message to kafka", zap.String("topic", topic), zap.Error(err))
		return err
	}

	k.logger.Debug("message sent to kafka", zap.String("topic", topic))
	return nil
}

func route(message interface{}) (topic, key string, err error) {
	switch m := message.(type) {
	case domain.ChangeEvent:
		return TopicRecordChanges, m.Table, nil
	case domain.ChatMessage:
		return TopicChatMessages, m.SessionID.String(), nil
	case domain.SessionConnectionEvent:
		return TopicConnectionStatus, m.SessionID.String(), nil
	default:
		return "", "", fmt.Errorf("%w: no kafka topic for %T", domain.ErrInvalidInput, message)
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}

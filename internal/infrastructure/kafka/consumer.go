package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"livechat-presence/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageHandler interface {
	HandleChangeEvent(evt domain.ChangeEvent)
	HandleNewMessage(msg domain.ChatMessage)
	HandleConnectionStatus(evt domain.SessionConnectionEvent)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler MessageHandler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, logger *zap.Logger) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,    // Read immediately, don't wait for batches
			MaxBytes:       10e6, // 10MB max
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
		logger:  logger,
	}
}

// Start runs one goroutine per topic until ctx is done.
func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		k.wg.Add(1)
		go k.consume(ctx, k.readers[i])
	}
	return nil
}

func (k *KafkaConsumer) consume(ctx context.Context, reader *kafka.Reader) {
	defer k.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("recovered from panic in kafka consumer",
				zap.String("topic", reader.Config().Topic), zap.Any("panic", r))
		}
	}()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("kafka consumer stopping", zap.String("topic", reader.Config().Topic))
				return
			}
			if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
				k.logger.Debug("kafka group settling", zap.Error(err))
				continue
			}
			k.logger.Warn("error reading kafka message", zap.String("topic", reader.Config().Topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if k.handler != nil {
			k.handleMessage(m.Topic, m.Value)
		}
	}
}

func (k *KafkaConsumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("recovered from panic in handleMessage", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	switch topic {
	case TopicRecordChanges:
		var evt domain.ChangeEvent
		if err := json.Unmarshal(value, &evt); err != nil {
			k.logger.Warn("error unmarshaling change event", zap.Error(err), zap.ByteString("raw", value))
			return
		}
		k.handler.HandleChangeEvent(evt)

	case TopicChatMessages:
		var chatMsg domain.ChatMessage
		if err := json.Unmarshal(value, &chatMsg); err != nil {
			k.logger.Warn("error unmarshaling chat message", zap.Error(err), zap.ByteString("raw", value))
			return
		}
		k.handler.HandleNewMessage(chatMsg)

	case TopicConnectionStatus:
		var statusEvt domain.SessionConnectionEvent
		if err := json.Unmarshal(value, &statusEvt); err != nil {
			k.logger.Warn("error unmarshaling connection status", zap.Error(err))
			return
		}
		k.handler.HandleConnectionStatus(statusEvt)

	default:
		k.logger.Warn("unknown kafka topic", zap.String("topic", topic))
	}
}

// Close stops the readers; the Start context should be cancelled first.
func (k *KafkaConsumer) Close() error {
	var errs []error
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.wg.Wait()
	return errors.Join(errs...)
}

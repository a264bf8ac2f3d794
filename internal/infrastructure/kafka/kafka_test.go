package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandler struct {
	changes  []domain.ChangeEvent
	messages []domain.ChatMessage
	statuses []domain.SessionConnectionEvent
}

func (f *fakeHandler) HandleChangeEvent(evt domain.ChangeEvent) { f.changes = append(f.changes, evt) }
func (f *fakeHandler) HandleNewMessage(msg domain.ChatMessage) { f.messages = append(f.messages, msg) }
func (f *fakeHandler) HandleConnectionStatus(e domain.SessionConnectionEvent) { f.statuses = append(f.statuses, e) }

type fakeSender struct {
	mu   sync.Mutex
	sent []interface{}
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return f.err
}

func TestRoute(t *testing.T) {
	session := uuid.New()

	topic, key, err := route(domain.ChangeEvent{Table: domain.TablePresence})
	require.NoError(t, err)
	assert.Equal(t, TopicRecordChanges, topic)
	assert.Equal(t, domain.TablePresence, key)

	topic, key, err = route(domain.SessionConnectionEvent{SessionID: session})
	require.NoError(t, err)
	assert.Equal(t, TopicConnectionStatus, topic)
	assert.Equal(t, session.String(), key)

	topic, _, err = route(domain.ChatMessage{SessionID: session})
	require.NoError(t, err)
	assert.Equal(t, TopicChatMessages, topic)

	_, _, err = route("nope")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConsumer_HandleMessageDispatchesByTopic(t *testing.T) {
	h := &fakeHandler{}
	c := &KafkaConsumer{handler: h, logger: zap.NewNop()}

	evt, err := domain.NewChangeEvent(domain.ChangeUpdate, domain.TableSessions, map[string]string{"id": "x"})
	require.NoError(t, err)
	raw, _ := json.Marshal(evt)
	c.handleMessage(TopicRecordChanges, raw)

	msg := domain.ChatMessage{ID: uuid.New(), SessionID: uuid.New(), Message: "hello"}
	raw, _ = json.Marshal(msg)
	c.handleMessage(TopicChatMessages, raw)

	status := domain.SessionConnectionEvent{SessionID: uuid.New(), UserID: "u", Action: "user_connected"}
	raw, _ = json.Marshal(status)
	c.handleMessage(TopicConnectionStatus, raw)

	c.handleMessage(TopicChatMessages, []byte("{not json"))
	c.handleMessage("unknown", []byte("{}"))

	require.Len(t, h.changes, 1)
	assert.Equal(t, domain.ChangeUpdate, h.changes[0].Kind)
	require.Len(t, h.messages, 1)
	assert.Equal(t, "hello", h.messages[0].Message)
	require.Len(t, h.statuses, 1)
	assert.Equal(t, "user_connected", h.statuses[0].Action)
}

func TestChangeMirror_PublishesLocallyAndToKafka(t *testing.T) {
	broker := changefeed.NewMemoryBroker()
	defer broker.Close()
	local := changefeed.NewClient(broker, zap.NewNop(), changefeed.Options{Origin: changefeed.OriginPrefix + "n1"})
	defer local.Close()

	got := make(chan domain.ChangeEvent, 1)
	sub, err := local.Subscribe(domain.TablePresence, nil, func(evt domain.ChangeEvent) { got <- evt })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sender := &fakeSender{err: errors.New("kafka down")}
	mirror := NewChangeMirror(local, sender, zap.NewNop())

	evt, err := domain.NewChangeEvent(domain.ChangeUpdate, domain.TablePresence, domain.PresenceRecord{AgentID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, mirror.Publish(context.Background(), evt))

	select {
	case e := <-got:
		assert.Equal(t, changefeed.OriginPrefix+"n1", e.Origin)
	case <-time.After(time.Second):
		t.Fatal("local subscriber not notified")
	}

	require.Len(t, sender.sent, 1)
	sent := sender.sent[0].(domain.ChangeEvent)
	assert.Equal(t, changefeed.OriginPrefix+"n1", sent.Origin)
}

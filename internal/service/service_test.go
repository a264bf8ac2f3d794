package service

import (
	"context"
	"testing"
	"time"

	"livechat-presence/internal/assignment"
	"livechat-presence/internal/domain"
	"livechat-presence/internal/infrastructure/database"
	"livechat-presence/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	chat     *ChatService
	agents   *AgentService
	resolver *assignment.Resolver
	sessions repository.SessionRepository
	presence repository.PresenceRepository
	viewing  repository.ViewingRepository
	logs     repository.ReassignmentLogRepository
	messages repository.MessageRepository
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	log := zap.NewNop()
	f := &fixture{
		sessions: repository.NewSessionRepository(db, nil, log),
		presence: repository.NewPresenceRepository(db, nil, log),
		viewing:  repository.NewViewingRepository(db, nil, log),
		logs:     repository.NewReassignmentLogRepository(db, nil, log),
		messages: repository.NewMessageRepository(db, nil, log),
	}
	pseudonyms := repository.NewPseudonymRepository(db, nil, log)
	f.chat = NewChatService(f.sessions, f.messages, f.logs, log)
	f.agents = NewAgentService(f.presence, f.viewing, f.sessions, f.logs, 5*time.Minute, log)
	f.resolver = assignment.NewResolver(f.sessions, f.presence, pseudonyms, nil, 5*time.Minute, log)
	return f
}

func (f *fixture) reasons(t *testing.T, customer uuid.UUID) []domain.ReassignReason {
	t.Helper()
	entries, err := f.logs.ListByCustomer(context.Background(), customer)
	require.NoError(t, err)
	out := make([]domain.ReassignReason, len(entries))
	for i, e := range entries {
		out[i] = e.Reason
	}
	return out
}

func TestScenario_FirstMessageThenClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent := uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	// waiting for an agent
	got, err := f.resolver.Resolve(ctx, customer)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.agents.GoOnline(ctx, agent))
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)

	got, err = f.resolver.Resolve(ctx, customer)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agent, got.ID)
	assert.True(t, got.IsOnline)
	assert.False(t, got.IsChatClosed)

	assert.Equal(t, []domain.ReassignReason{domain.ReasonSessionClaimed}, f.reasons(t, customer))

	second, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "still there?"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, res.SessionID, second.SessionID)

	msgs, err := f.messages.ListBySession(ctx, res.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	f := setup(t)
	_, err := f.chat.SendCustomerMessage(context.Background(), uuid.New(), domain.SendMessageRequest{Message: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestChat_ClaimClosedSessionFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent := uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)
	_, err = f.chat.CloseSession(ctx, res.SessionID, agent)
	require.NoError(t, err)

	_, err = f.chat.ClaimSession(ctx, res.SessionID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	// the next message opens a fresh session
	next, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "back"})
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.NotEqual(t, res.SessionID, next.SessionID)
}

func TestChat_OwnershipIsEnforced(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent, intruder := uuid.New(), uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)

	_, err = f.chat.CloseSession(ctx, res.SessionID, intruder)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.chat.ReassignSession(ctx, res.SessionID, intruder, intruder)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.chat.LeaveSession(ctx, res.SessionID, uuid.New(), domain.ReasonUserLeft)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.chat.SendAgentMessage(ctx, res.SessionID, intruder, domain.SendMessageRequest{Message: "x"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	msg, err := f.chat.SendAgentMessage(ctx, res.SessionID, agent, domain.SendMessageRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.SenderAgent, msg.SenderType)
}

func TestChat_ReassignLogsPreviousAndNext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, a, b := uuid.New(), uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, a)
	require.NoError(t, err)
	session, err := f.chat.ReassignSession(ctx, res.SessionID, a, b)
	require.NoError(t, err)
	assert.Equal(t, b, *session.AssignedAgentID)

	entries, err := f.logs.ListByCustomer(ctx, customer)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ReasonManualReassign, entries[1].Reason)
	assert.Equal(t, a, *entries[1].PreviousAgentID)
	assert.Equal(t, b, *entries[1].NewAgentID)
}

func TestScenario_PageCloseThenReconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent := uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)

	_, err = f.chat.LeaveSession(ctx, res.SessionID, customer, domain.ReasonPageClose)
	require.NoError(t, err)
	// a second beacon for the same unload changes nothing
	_, err = f.chat.LeaveSession(ctx, res.SessionID, customer, domain.ReasonPageClose)
	require.NoError(t, err)

	require.NoError(t, f.agents.GoOnline(ctx, agent))
	got, err := f.resolver.Resolve(ctx, customer)
	require.NoError(t, err)
	assert.True(t, got.IsChatClosed)
	assert.False(t, got.IsOnline)

	again, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "I'm back"})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again.SessionID)

	session, err := f.sessions.FindByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, session.Status)

	assert.Equal(t, []domain.ReassignReason{
		domain.ReasonSessionClaimed,
		domain.ReasonPageClose,
		domain.ReasonUserReconnected,
	}, f.reasons(t, customer))
}

func TestChat_LeaveRejectsAgentReasons(t *testing.T) {
	f := setup(t)
	_, err := f.chat.LeaveSession(context.Background(), uuid.New(), uuid.New(), domain.ReasonInactivityTimeout)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAgent_GoOnlineIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent := uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)

	require.NoError(t, f.agents.GoOnline(ctx, agent))
	require.NoError(t, f.agents.GoOnline(ctx, agent))
	require.NoError(t, f.agents.GoOnline(ctx, agent))

	n, err := f.presence.Count(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, []domain.ReassignReason{
		domain.ReasonSessionClaimed,
		domain.ReasonAgentBecameAvailable,
	}, f.reasons(t, customer))
}

func TestAgent_GoOfflineLogsOnceAndClearsViewing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	customer, agent := uuid.New(), uuid.New()

	res, err := f.chat.SendCustomerMessage(ctx, customer, domain.SendMessageRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = f.chat.ClaimSession(ctx, res.SessionID, agent)
	require.NoError(t, err)
	require.NoError(t, f.agents.GoOnline(ctx, agent))
	require.NoError(t, f.agents.SetViewing(ctx, agent, customer))

	require.NoError(t, f.agents.GoOffline(ctx, agent, domain.ReasonInactivityTimeout))
	require.NoError(t, f.agents.GoOffline(ctx, agent, domain.ReasonPageClose))

	record, err := f.presence.Find(ctx, agent)
	require.NoError(t, err)
	assert.False(t, record.IsOnline)

	viewers, err := f.viewing.FindByCustomer(ctx, customer)
	require.NoError(t, err)
	assert.Empty(t, viewers)

	entries, err := f.logs.ListByCustomer(ctx, customer)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.ReasonInactivityTimeout, entries[2].Reason)
	assert.Equal(t, agent, *entries[2].PreviousAgentID)
	assert.Nil(t, entries[2].NewAgentID)

	assert.ErrorIs(t, f.agents.GoOffline(ctx, agent, domain.ReasonSessionClosed), domain.ErrInvalidInput)
}

func TestAgent_HeartbeatAndSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	agent := uuid.New()

	assert.ErrorIs(t, f.agents.Heartbeat(ctx, agent), domain.ErrNotFound)

	now := repository.Now()
	f.agents.now = func() time.Time { return now }
	require.NoError(t, f.agents.GoOnline(ctx, agent))

	now = now.Add(3 * time.Minute)
	require.NoError(t, f.agents.Heartbeat(ctx, agent))

	now = now.Add(4 * time.Minute)
	swept, err := f.agents.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	now = now.Add(2 * time.Minute)
	swept, err = f.agents.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	record, err := f.presence.Find(ctx, agent)
	require.NoError(t, err)
	assert.False(t, record.IsOnline)
}

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/infrastructure/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) last() domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func TestSessionRepository_CreateAndFindLatest(t *testing.T) {
	db := setupTestDB(t)
	pub := &recordingPublisher{}
	repo := NewSessionRepository(db, pub, zap.NewNop())
	ctx := context.Background()
	customer := uuid.New()

	older := &domain.ChatSession{CustomerID: customer}
	require.NoError(t, repo.Create(ctx, older))
	assert.Equal(t, int64(1), older.Version)
	assert.Equal(t, domain.SessionActive, older.Status)

	time.Sleep(5 * time.Millisecond)
	newer := &domain.ChatSession{CustomerID: customer}
	require.NoError(t, repo.Create(ctx, newer))

	latest, err := repo.FindLatestByCustomer(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	evt := pub.last()
	assert.Equal(t, domain.ChangeInsert, evt.Kind)
	assert.Equal(t, domain.TableSessions, evt.Table)
	v, ok := evt.Column("customer_id")
	assert.True(t, ok)
	assert.Equal(t, customer.String(), v)

	_, err = repo.FindLatestByCustomer(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionRepository_UpdateVersionCheck(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, &recordingPublisher{}, zap.NewNop())
	ctx := context.Background()

	session := &domain.ChatSession{CustomerID: uuid.New()}
	require.NoError(t, repo.Create(ctx, session))

	stale := *session
	agent := uuid.New()
	session.AssignedAgentID = &agent
	require.NoError(t, repo.Update(ctx, session))
	assert.Equal(t, int64(2), session.Version)

	stale.Status = domain.SessionClosed
	assert.ErrorIs(t, repo.Update(ctx, &stale), domain.ErrConflict)

	got, err := repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, agent, *got.AssignedAgentID)
	assert.Equal(t, domain.SessionActive, got.Status)

	session.AssignedAgentID = nil
	require.NoError(t, repo.Update(ctx, session))
	got, err = repo.FindByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedAgentID)

	missing := &domain.ChatSession{ID: uuid.New(), Version: 1}
	assert.ErrorIs(t, repo.Update(ctx, missing), domain.ErrNotFound)
}

func TestSessionRepository_FindActiveByAgent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, nil, zap.NewNop())
	ctx := context.Background()
	agent := uuid.New()

	open := &domain.ChatSession{CustomerID: uuid.New(), AssignedAgentID: &agent}
	closed := &domain.ChatSession{CustomerID: uuid.New(), AssignedAgentID: &agent, Status: domain.SessionClosed}
	require.NoError(t, repo.Create(ctx, open))
	require.NoError(t, repo.Create(ctx, closed))

	sessions, err := repo.FindActiveByAgent(ctx, agent)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, open.ID, sessions[0].ID)
}

func TestPresenceRepository_UpsertKeepsOneRow(t *testing.T) {
	db := setupTestDB(t)
	pub := &recordingPublisher{}
	repo := NewPresenceRepository(db, pub, zap.NewNop())
	ctx := context.Background()
	agent := uuid.New()

	first := Now().Add(-time.Minute)
	require.NoError(t, repo.Upsert(ctx, &domain.PresenceRecord{AgentID: agent, IsOnline: true, LastSeenAt: first}))
	second := Now()
	require.NoError(t, repo.Upsert(ctx, &domain.PresenceRecord{AgentID: agent, IsOnline: false, LastSeenAt: second}))

	n, err := repo.Count(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Find(ctx, agent)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.True(t, got.LastSeenAt.Equal(second))

	assert.Len(t, pub.events, 2)
	assert.Equal(t, domain.TablePresence, pub.last().Table)
}

func TestPresenceRepository_FindStaleOnline(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPresenceRepository(db, nil, zap.NewNop())
	ctx := context.Background()
	now := Now()

	stale := uuid.New()
	fresh := uuid.New()
	offline := uuid.New()
	require.NoError(t, repo.Upsert(ctx, &domain.PresenceRecord{AgentID: stale, IsOnline: true, LastSeenAt: now.Add(-10 * time.Minute)}))
	require.NoError(t, repo.Upsert(ctx, &domain.PresenceRecord{AgentID: fresh, IsOnline: true, LastSeenAt: now}))
	require.NoError(t, repo.Upsert(ctx, &domain.PresenceRecord{AgentID: offline, IsOnline: false, LastSeenAt: now.Add(-10 * time.Minute)}))

	rows, err := repo.FindStaleOnline(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale, rows[0].AgentID)
}

func TestViewingRepository_UpsertAndDelete(t *testing.T) {
	db := setupTestDB(t)
	pub := &recordingPublisher{}
	repo := NewViewingRepository(db, pub, zap.NewNop())
	ctx := context.Background()
	agent := uuid.New()
	c1, c2 := uuid.New(), uuid.New()

	require.NoError(t, repo.Upsert(ctx, &domain.ViewingPresence{AgentID: agent, CustomerID: c1, IsViewing: true, LastSeenAt: Now()}))
	require.NoError(t, repo.Upsert(ctx, &domain.ViewingPresence{AgentID: agent, CustomerID: c2, IsViewing: true, LastSeenAt: Now()}))

	rows, err := repo.FindByCustomer(ctx, c1)
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = repo.FindByCustomer(ctx, c2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, repo.Delete(ctx, agent))
	assert.Equal(t, domain.ChangeDelete, pub.last().Kind)
	rows, err = repo.FindByCustomer(ctx, c2)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// deleting nothing is not an error and publishes nothing
	before := len(pub.events)
	require.NoError(t, repo.Delete(ctx, agent))
	assert.Len(t, pub.events, before)
}

func TestReassignmentLogRepository_Append(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReassignmentLogRepository(db, nil, zap.NewNop())
	ctx := context.Background()
	customer := uuid.New()
	agent := uuid.New()

	require.NoError(t, repo.Append(ctx, &domain.ReassignmentLogEntry{
		SessionID: uuid.New(), CustomerID: customer, PreviousAgentID: &agent, Reason: domain.ReasonPageClose,
	}))
	err := repo.Append(ctx, &domain.ReassignmentLogEntry{
		SessionID: uuid.New(), CustomerID: customer, Reason: "bored",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	entries, err := repo.ListByCustomer(ctx, customer)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonPageClose, entries[0].Reason)
	assert.Nil(t, entries[0].NewAgentID)
}

func TestPseudonymRepository_Upsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPseudonymRepository(db, nil, zap.NewNop())
	ctx := context.Background()
	customer := uuid.New()

	require.NoError(t, repo.Upsert(ctx, &domain.AgentPseudonym{CustomerID: customer, AgentID: uuid.New(), Pseudonym: "Sam"}))
	require.NoError(t, repo.Upsert(ctx, &domain.AgentPseudonym{CustomerID: customer, AgentID: uuid.New(), Pseudonym: "Alex"}))

	got, err := repo.FindByCustomer(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, "Alex", got.Pseudonym)
}

func TestAgentProfileRepository_CountAdmins(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentProfileRepository(db, zap.NewNop())
	ctx := context.Background()

	n, err := repo.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id := uuid.New()
	require.NoError(t, repo.Upsert(ctx, &domain.AgentProfile{AgentID: id, DisplayName: "Dana", IsAdmin: true}))
	n, err = repo.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Dana", got.DisplayName)
}

func TestMessageRepository_ListBySession(t *testing.T) {
	db := setupTestDB(t)
	pub := &recordingPublisher{}
	repo := NewMessageRepository(db, pub, zap.NewNop())
	ctx := context.Background()
	session := uuid.New()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, repo.Create(ctx, &domain.ChatMessage{SessionID: session, SenderType: domain.SenderCustomer, Message: text}))
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := repo.ListBySession(ctx, session, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message)
	assert.Equal(t, "three", msgs[1].Message)

	evt := pub.last()
	assert.Equal(t, domain.ChangeInsert, evt.Kind)
	sid, _ := evt.Column("session_id")
	assert.Equal(t, session.String(), sid)
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"livechat-presence/internal/assignment"
	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"
	"livechat-presence/internal/inactivity"
	"livechat-presence/internal/infrastructure/kafka"
	"livechat-presence/internal/metrics"
	"livechat-presence/internal/presence"
	"livechat-presence/internal/typing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Feed is the change feed as the websocket layer uses it.
type Feed interface {
	changefeed.Subscriber
	Relay(ctx context.Context, evt domain.ChangeEvent) (bool, error)
	Origin() string
}

type AgentPresence interface {
	GoOnline(ctx context.Context, agentID uuid.UUID) error
	Heartbeat(ctx context.Context, agentID uuid.UUID) error
	inactivity.Offliner
}

type MessageSender interface {
	SendCustomerMessage(ctx context.Context, customerID uuid.UUID, req domain.SendMessageRequest) (*domain.SendMessageResponse, error)
	SendAgentMessage(ctx context.Context, sessionID, agentID uuid.UUID, req domain.SendMessageRequest) (*domain.ChatMessage, error)
}

// SessionTracker counts live sockets per session across nodes.
type SessionTracker interface {
	AddUserToSession(ctx context.Context, sessionID, userID, userType string) error
	RemoveUserFromSession(ctx context.Context, sessionID, userID string) error
	ConnectionStatusReader
}

type WSDeps struct {
	Presence *presence.Channel
	Feed     Feed
	Looker   assignment.Looker
	Agents   AgentPresence
	Chats    MessageSender
	Sessions SessionTracker
	// Events may be nil on a single node.
	Events kafka.Sender
}

type WSOptions struct {
	Typing       typing.Options
	Inactivity   inactivity.Options
	PollInterval time.Duration
	// OpTimeout bounds store calls made on behalf of a socket.
	OpTimeout time.Duration
}

var errPanicWrite = errors.New("websocket write panicked")

type jsonWriter interface {
	WriteJSON(v interface{}) error
}

type WSConnection struct {
	Conn      jsonWriter
	UserID    string
	UserType  string
	SessionID string
	writeMux  sync.Mutex
}

type agentEntry struct {
	monitor *inactivity.Monitor
	refs    int
}

type WSManager struct {
	deps   WSDeps
	opts   WSOptions
	logger *zap.Logger

	// Store active connections by session ID
	connections map[string][]*WSConnection
	agents      map[uuid.UUID]*agentEntry
	mutex       sync.RWMutex
}

func NewWSManager(deps WSDeps, opts WSOptions, logger *zap.Logger) *WSManager {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	return &WSManager{
		deps:        deps,
		opts:        opts,
		logger:      logger,
		connections: make(map[string][]*WSConnection),
		agents:      make(map[uuid.UUID]*agentEntry),
	}
}

func (w *WSManager) addConnection(sessionID string, conn *WSConnection) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.connections[sessionID] = append(w.connections[sessionID], conn)
	metrics.WSConnections.WithLabelValues(conn.UserType).Inc()
	w.logger.Debug("added connection",
		zap.String("session_id", sessionID), zap.String("user_id", conn.UserID),
		zap.String("user_type", conn.UserType), zap.Int("total", len(w.connections[sessionID])))
}

func (w *WSManager) removeConnection(sessionID string, target *WSConnection) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	connections, exists := w.connections[sessionID]
	if !exists {
		return
	}
	for i, conn := range connections {
		if conn == target {
			w.connections[sessionID] = append(connections[:i:i], connections[i+1:]...)
			metrics.WSConnections.WithLabelValues(conn.UserType).Dec()
			break
		}
	}
	if len(w.connections[sessionID]) == 0 {
		delete(w.connections, sessionID)
		w.logger.Debug("cleaned up empty session", zap.String("session_id", sessionID))
	}
}

func (w *WSManager) sessionConnections(sessionID string) []*WSConnection {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	conns := w.connections[sessionID]
	out := make([]*WSConnection, len(conns))
	copy(out, conns)
	return out
}

func (w *WSManager) userConnections(userID string) []*WSConnection {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	var out []*WSConnection
	for _, conns := range w.connections {
		for _, conn := range conns {
			if conn.UserID == userID {
				out = append(out, conn)
			}
		}
	}
	return out
}

func (w *WSManager) broadcastToSession(sessionID string, message interface{}) {
	w.fanOut(sessionID, w.sessionConnections(sessionID), message)
}

// sendToUser reaches every socket userID has open on this node.
func (w *WSManager) sendToUser(userID string, message interface{}) {
	for _, conn := range w.userConnections(userID) {
		if err := conn.safeWriteJSON(message); err != nil {
			w.logger.Warn("failed to send to user", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (w *WSManager) fanOut(sessionID string, connections []*WSConnection, message interface{}) {
	if len(connections) == 0 {
		return
	}

	var delivered int32
	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			if err := c.safeWriteJSON(message); err != nil {
				w.logger.Warn("failed to send to client", zap.String("user_id", c.UserID), zap.Error(err))
				w.removeConnection(sessionID, c)
				return
			}
			atomic.AddInt32(&delivered, 1)
		}(conn)
	}
	wg.Wait()

	w.logger.Debug("broadcast to session",
		zap.String("session_id", sessionID), zap.Int32("delivered", delivered), zap.Int("total", len(connections)))
}

// acquireMonitor returns the agent's shared inactivity monitor, creating it on
// the agent's first socket. A monitor left offline by an earlier socket resumes.
func (w *WSManager) acquireMonitor(agentID uuid.UUID) *inactivity.Monitor {
	w.mutex.Lock()
	if entry, ok := w.agents[agentID]; ok {
		entry.refs++
		w.mutex.Unlock()
		// Resume pushes a frame, which takes the lock
		entry.monitor.Resume()
		return entry.monitor
	}
	defer w.mutex.Unlock()

	monitor := inactivity.NewMonitor(agentID, w.deps.Agents, w.opts.Inactivity, w.logger)
	userID := agentID.String()
	grace := w.opts.Inactivity.Grace
	monitor.OnAway(func() {
		w.sendToUser(userID, domain.WebSocketResponse{
			Type:    domain.FrameAwayWarning,
			Success: true,
			Data: map[string]interface{}{
				"grace_seconds": int(grace.Seconds()),
				"timestamp":     time.Now().UTC().Format(time.RFC3339),
			},
		})
	})
	monitor.OnStateChange(func(state inactivity.State, reason domain.ReassignReason) {
		w.sendToUser(userID, domain.WebSocketResponse{
			Type:    domain.FramePresenceState,
			Success: true,
			Data:    domain.AgentPresenceState{State: state.String(), Reason: string(reason)},
		})
	})
	monitor.Start()

	w.agents[agentID] = &agentEntry{monitor: monitor, refs: 1}
	return monitor
}

func (w *WSManager) agentMonitor(agentID uuid.UUID) *inactivity.Monitor {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if entry, ok := w.agents[agentID]; ok {
		return entry.monitor
	}
	return nil
}

// AgentOnline marks the agent online and resumes their monitor when a socket
// is open, so the silence timer runs again.
func (w *WSManager) AgentOnline(ctx context.Context, agentID uuid.UUID) error {
	if err := w.deps.Agents.GoOnline(ctx, agentID); err != nil {
		return err
	}
	if m := w.agentMonitor(agentID); m != nil {
		m.Resume()
	}
	return nil
}

// AgentOffline takes the agent offline through their monitor when one is
// running. Without a live monitor the store is updated directly, since the
// agent may have come back online without it.
func (w *WSManager) AgentOffline(ctx context.Context, agentID uuid.UUID, reason domain.ReassignReason) error {
	if !reason.IsAgentOfflineReason() {
		return fmt.Errorf("%w: %q is not an offline reason", domain.ErrInvalidInput, reason)
	}
	if m := w.agentMonitor(agentID); m != nil && m.State() != inactivity.StateOffline {
		return m.GoOffline(ctx, reason)
	}
	return w.deps.Agents.GoOffline(ctx, agentID, reason)
}

// agentPing refreshes the agent's presence. While the monitor says the agent
// is there, the stored row is brought back online if a sweep flipped it.
func (w *WSManager) agentPing(ctx context.Context, agentID uuid.UUID) error {
	if m := w.agentMonitor(agentID); m != nil && m.State() != inactivity.StateOffline {
		return w.deps.Agents.GoOnline(ctx, agentID)
	}
	return w.deps.Agents.Heartbeat(ctx, agentID)
}

// releaseMonitor drops one reference. The last socket closing takes the agent offline.
func (w *WSManager) releaseMonitor(ctx context.Context, agentID uuid.UUID) {
	w.mutex.Lock()
	entry, ok := w.agents[agentID]
	if !ok {
		w.mutex.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		w.mutex.Unlock()
		return
	}
	delete(w.agents, agentID)
	w.mutex.Unlock()

	if err := entry.monitor.GoOffline(ctx, domain.ReasonPageClose); err != nil {
		w.logger.Warn("failed to take agent offline on disconnect", zap.String("agent_id", agentID.String()), zap.Error(err))
	}
	entry.monitor.Stop()
}

func (w *WSManager) broadcastConnectionStatusWithContext(sessionID, eventType, eventUserID string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
	defer cancel()

	status, err := w.deps.Sessions.GetSessionUsers(ctx, sessionID)
	if err != nil {
		w.logger.Warn("failed to get session users", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	messageData := map[string]interface{}{
		"session_id":        sessionID,
		"connection_status": status,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	if eventType != "" {
		messageData["event_type"] = eventType
	}
	if eventUserID != "" {
		messageData["event_user_id"] = eventUserID
	}
	w.broadcastToSession(sessionID, domain.WebSocketResponse{
		Type: domain.FrameConnectionStatus,
		Data: messageData,
	})
}

// announceConnection tells other nodes that a socket opened or closed.
func (w *WSManager) announceConnection(sessionID uuid.UUID, userID, userType, action string) {
	if w.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
	defer cancel()

	evt := domain.SessionConnectionEvent{
		SessionID: sessionID,
		UserID:    userID,
		UserType:  userType,
		Action:    action,
		Origin:    w.deps.Feed.Origin(),
		Timestamp: time.Now().UTC(),
	}
	if err := w.deps.Events.SendMessage(ctx, evt); err != nil {
		w.logger.Warn("failed to send connection event to Kafka", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// HandleChangeEvent relays a record change from the bus onto the local feed.
func (w *WSManager) HandleChangeEvent(evt domain.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
	defer cancel()

	forwarded, err := w.deps.Feed.Relay(ctx, evt)
	if err != nil {
		w.logger.Warn("failed to relay change event", zap.String("table", evt.Table), zap.Error(err))
		return
	}
	if forwarded {
		w.logger.Debug("relayed change event", zap.String("table", evt.Table), zap.String("origin", evt.Origin))
	}
}

// HandleNewMessage treats a message written by another service as an insert
// into chat_messages.
func (w *WSManager) HandleNewMessage(msg domain.ChatMessage) {
	evt, err := domain.NewChangeEvent(domain.ChangeInsert, domain.TableMessages, msg)
	if err != nil {
		w.logger.Warn("failed to build message event", zap.String("message_id", msg.ID.String()), zap.Error(err))
		return
	}
	w.HandleChangeEvent(evt)
}

func (w *WSManager) HandleConnectionStatus(evt domain.SessionConnectionEvent) {
	if evt.Origin != "" && evt.Origin == w.deps.Feed.Origin() {
		return
	}
	w.broadcastConnectionStatusWithContext(evt.SessionID.String(), evt.Action, evt.UserID)
}

// GetActiveConnections returns the current active connections for monitoring
func (w *WSManager) GetActiveConnections() map[string]int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	result := make(map[string]int)
	for sessionID, connections := range w.connections {
		result[sessionID] = len(connections)
	}
	return result
}

// CloseAll takes every agent with an open socket offline. Used on shutdown.
func (w *WSManager) CloseAll(ctx context.Context) {
	w.mutex.Lock()
	agents := w.agents
	w.agents = make(map[uuid.UUID]*agentEntry)
	w.mutex.Unlock()

	for agentID, entry := range agents {
		if err := entry.monitor.GoOffline(ctx, domain.ReasonAgentWentOffline); err != nil {
			w.logger.Warn("failed to take agent offline", zap.String("agent_id", agentID.String()), zap.Error(err))
		}
		entry.monitor.Stop()
	}
}

// safeWriteJSON writes JSON to WebSocket connection with mutex protection and panic recovery
func (conn *WSConnection) safeWriteJSON(message interface{}) (err error) {
	conn.writeMux.Lock()
	defer conn.writeMux.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errPanicWrite
		}
	}()

	return conn.Conn.WriteJSON(message)
}

var _ kafka.MessageHandler = (*WSManager)(nil)

package delivery

import (
	"context"
	"fmt"
	"time"

	"livechat-presence/internal/assignment"
	"livechat-presence/internal/changefeed"
	"livechat-presence/internal/domain"
	"livechat-presence/internal/inactivity"
	"livechat-presence/internal/typing"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// participant is the server side of one socket. It owns the coordinators
// that derive what this socket is shown.
type participant struct {
	manager   *WSManager
	conn      *WSConnection
	sessionID uuid.UUID
	userID    uuid.UUID
	role      domain.ParticipantRole
	logger    *zap.Logger

	typing    *typing.Coordinator
	watcher   *assignment.Watcher
	messages  *changefeed.Subscription
	monitored bool
}

func (w *WSManager) HandleConnection(c *websocket.Conn, sessionID, userID, userType, name string) {
	defer c.Close()
	w.serve(c, func(msg *domain.WebSocketMessage) error { return c.ReadJSON(msg) },
		sessionID, userID, userType, name)
}

// serve runs one socket until read fails.
func (w *WSManager) serve(out jsonWriter, read func(*domain.WebSocketMessage) error, sessionID, userID, userType, name string) {
	wsConn := &WSConnection{
		Conn:      out,
		UserID:    userID,
		UserType:  userType,
		SessionID: sessionID,
	}

	sessionUUID, err := uuid.Parse(sessionID)
	if err != nil {
		w.sendErrorResponse(wsConn, "Invalid session ID format")
		return
	}
	userUUID, err := uuid.Parse(userID)
	if err != nil {
		w.sendErrorResponse(wsConn, "Invalid user ID format")
		return
	}
	role := domain.ParticipantRole(userType)
	if role != domain.RoleCustomer && role != domain.RoleAgent {
		w.sendErrorResponse(wsConn, "Invalid user type: "+userType)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.addConnection(sessionID, wsConn)
	defer func() {
		w.removeConnection(sessionID, wsConn)
		w.broadcastConnectionStatusWithContext(sessionID, "user_disconnected", userID)
		w.announceConnection(sessionUUID, userID, userType, "user_disconnected")
	}()

	if err := w.deps.Sessions.AddUserToSession(ctx, sessionID, userID, userType); err != nil {
		w.logger.Warn("failed to add user to Redis session", zap.String("session_id", sessionID), zap.Error(err))
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), w.opts.OpTimeout)
		defer rmCancel()
		if err := w.deps.Sessions.RemoveUserFromSession(rmCtx, sessionID, userID); err != nil {
			w.logger.Warn("failed to remove user from Redis session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	w.sendWelcomeMessage(wsConn)

	p := &participant{
		manager:   w,
		conn:      wsConn,
		sessionID: sessionUUID,
		userID:    userUUID,
		role:      role,
		logger: w.logger.With(zap.String("session_id", sessionID),
			zap.String("user_id", userID), zap.String("user_type", userType)),
	}
	defer p.stop()
	if err := p.start(ctx, name); err != nil {
		p.logger.Error("failed to start participant", zap.Error(err))
		w.sendErrorResponse(wsConn, "Failed to join session")
		return
	}

	w.broadcastConnectionStatusWithContext(sessionID, "user_connected", userID)
	w.announceConnection(sessionUUID, userID, userType, "user_connected")
	p.logger.Info("WebSocket client connected")

	for {
		var msg domain.WebSocketMessage
		if err := read(&msg); err != nil {
			p.logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}
		p.handleFrame(ctx, &msg)
	}

	p.logger.Info("WebSocket client disconnected")
}

func (p *participant) start(ctx context.Context, name string) error {
	w := p.manager

	handle, err := w.deps.Presence.Join(ctx, "typing:"+p.sessionID.String(), p.userID.String())
	if err != nil {
		return err
	}
	p.typing = typing.New(handle, name, p.role, w.opts.Typing, p.logger)
	p.typing.OnChange(func(ind domain.TypingIndicator) {
		p.send(domain.FrameTypingIndicator, ind)
	})

	p.messages, err = w.deps.Feed.Subscribe(domain.TableMessages,
		changefeed.Eq("session_id", p.sessionID.String()), p.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}

	switch p.role {
	case domain.RoleCustomer:
		p.watcher = assignment.NewWatcher(w.deps.Looker, w.deps.Feed, p.userID, w.opts.PollInterval, p.logger)
		p.watcher.OnChange(func(agent *domain.AssignedAgent) {
			p.send(domain.FrameAssignedAgent, map[string]interface{}{"agent": agent})
		})
		return p.watcher.Start(ctx)
	case domain.RoleAgent:
		w.acquireMonitor(p.userID)
		p.monitored = true
		opCtx, cancel := context.WithTimeout(ctx, w.opts.OpTimeout)
		defer cancel()
		return w.deps.Agents.GoOnline(opCtx, p.userID)
	}
	return nil
}

func (p *participant) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), p.manager.opts.OpTimeout)
	defer cancel()

	if p.messages != nil {
		p.messages.Unsubscribe()
	}
	if p.watcher != nil {
		p.watcher.Close()
	}
	if p.typing != nil {
		if err := p.typing.Close(ctx); err != nil {
			p.logger.Warn("failed to leave typing channel", zap.Error(err))
		}
	}
	if p.monitored {
		p.manager.releaseMonitor(ctx, p.userID)
	}
}

func (p *participant) onMessage(evt domain.ChangeEvent) {
	if evt.Kind != domain.ChangeInsert {
		return
	}
	var msg domain.ChatMessage
	if err := evt.Decode(&msg); err != nil {
		p.logger.Warn("undecodable message event", zap.Error(err))
		return
	}
	p.send(domain.FrameNewMessage, map[string]interface{}{
		"message_id":   msg.ID.String(),
		"session_id":   msg.SessionID.String(),
		"sender_id":    msg.SenderID,
		"sender_type":  msg.SenderType,
		"message":      msg.Message,
		"message_type": msg.MessageType,
		"timestamp":    msg.CreatedAt.Format(time.RFC3339),
	})
}

func (p *participant) handleFrame(ctx context.Context, msg *domain.WebSocketMessage) {
	opCtx, cancel := context.WithTimeout(ctx, p.manager.opts.OpTimeout)
	defer cancel()

	switch msg.Type {
	case domain.FrameJoinSession:
		p.send(domain.FrameSessionJoined, map[string]interface{}{
			"session_id": p.sessionID.String(),
			"user_id":    p.userID.String(),
			"user_type":  string(p.role),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})

	case domain.FrameTypingStart:
		p.activity()
		if err := p.typing.Announce(opCtx); err != nil {
			p.logger.Warn("failed to announce typing", zap.Error(err))
		}

	case domain.FrameTypingStop:
		if err := p.typing.Clear(opCtx); err != nil {
			p.logger.Warn("failed to clear typing", zap.Error(err))
		}

	case domain.FramePing:
		if p.role == domain.RoleAgent {
			if err := p.manager.agentPing(opCtx, p.userID); err != nil {
				p.logger.Warn("failed to record heartbeat", zap.Error(err))
			}
		}
		p.send(domain.FramePong, map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})

	case domain.FrameActivity:
		p.activity()

	case domain.FrameStayOnline:
		if m := p.agentMonitor(); m != nil {
			m.StayOnline()
		}

	case domain.FrameGoOnline:
		if p.role != domain.RoleAgent {
			p.sendError("go_online is only available to agents")
			return
		}
		if err := p.manager.AgentOnline(opCtx, p.userID); err != nil {
			p.logger.Warn("failed to go online", zap.Error(err))
			p.sendError(err.Error())
		}

	case domain.FrameGoOffline:
		if p.role != domain.RoleAgent {
			p.sendError("go_offline is only available to agents")
			return
		}
		reason := domain.ReassignReason(dataString(msg, "reason"))
		if reason == "" {
			reason = domain.ReasonManualLeave
		}
		if err := p.manager.AgentOffline(opCtx, p.userID, reason); err != nil {
			p.logger.Warn("failed to go offline", zap.Error(err))
			p.sendError(err.Error())
		}

	case domain.FrameSendMessage:
		p.activity()
		p.sendMessage(opCtx, msg)

	default:
		p.logger.Debug("unknown message type", zap.String("type", msg.Type))
		p.sendError("Unknown message type: " + msg.Type)
	}
}

func (p *participant) sendMessage(ctx context.Context, msg *domain.WebSocketMessage) {
	req := domain.SendMessageRequest{
		Message:     dataString(msg, "message"),
		MessageType: dataString(msg, "message_type"),
	}

	var data interface{}
	var err error
	if p.role == domain.RoleCustomer {
		data, err = p.manager.deps.Chats.SendCustomerMessage(ctx, p.userID, req)
	} else {
		data, err = p.manager.deps.Chats.SendAgentMessage(ctx, p.sessionID, p.userID, req)
	}
	if err != nil {
		p.logger.Warn("failed to send message", zap.Error(err))
		p.sendError(err.Error())
		return
	}

	// a submitted message ends typing
	if err := p.typing.Clear(ctx); err != nil {
		p.logger.Warn("failed to clear typing", zap.Error(err))
	}
	p.send(domain.FrameMessageSent, data)
}

func (p *participant) agentMonitor() *inactivity.Monitor {
	if p.role != domain.RoleAgent {
		return nil
	}
	return p.manager.agentMonitor(p.userID)
}

func (p *participant) activity() {
	if m := p.agentMonitor(); m != nil {
		m.Activity()
	}
}

func (p *participant) send(frameType string, data interface{}) {
	response := domain.WebSocketResponse{Type: frameType, Success: true, Data: data}
	if err := p.conn.safeWriteJSON(response); err != nil {
		p.logger.Warn("failed to write frame", zap.String("type", frameType), zap.Error(err))
	}
}

func (p *participant) sendError(message string) {
	p.manager.sendErrorResponse(p.conn, message)
}

func (w *WSManager) sendWelcomeMessage(conn *WSConnection) {
	response := domain.WebSocketResponse{
		Type:    domain.FrameConnectionEstablished,
		Success: true,
		Data: map[string]interface{}{
			"session_id": conn.SessionID,
			"user_id":    conn.UserID,
			"user_type":  conn.UserType,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"message":    "Successfully connected to chat session",
		},
	}
	if err := conn.safeWriteJSON(response); err != nil {
		w.logger.Warn("failed to send welcome message", zap.String("user_id", conn.UserID), zap.Error(err))
	}
}

func (w *WSManager) sendErrorResponse(conn *WSConnection, errorMsg string) {
	response := domain.WebSocketResponse{
		Type:    domain.FrameError,
		Success: false,
		Error:   errorMsg,
	}
	if err := conn.safeWriteJSON(response); err != nil {
		w.logger.Warn("failed to send error response", zap.String("user_id", conn.UserID), zap.Error(err))
	}
}

func dataString(msg *domain.WebSocketMessage, key string) string {
	if msg.Data == nil {
		return ""
	}
	s, _ := msg.Data[key].(string)
	return s
}

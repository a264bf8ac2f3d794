package domain

import (
	"time"

	"github.com/google/uuid"
)

// Inbound websocket frame types.
const (
	FrameJoinSession = "join_session"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameSendMessage = "send_message"
	FramePing        = "ping"
	FrameActivity    = "activity"
	FrameStayOnline  = "stay_online"
	FrameGoOffline   = "go_offline"
	FrameGoOnline    = "go_online"
)

// Outbound websocket frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FrameSessionJoined         = "session_joined"
	FrameTypingIndicator       = "typing_indicator"
	FrameAssignedAgent         = "assigned_agent"
	FrameAwayWarning           = "away_warning"
	FramePresenceState         = "presence_state"
	FrameConnectionStatus      = "connection_status_update"
	FrameNewMessage            = "new_message"
	FrameMessageSent           = "message_sent"
	FramePong                  = "pong"
	FrameError                 = "error"
)

type SendMessageRequest struct {
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

type SendMessageResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
	Created   bool      `json:"session_created"`
	Timestamp time.Time `json:"timestamp"`
}

type ClaimSessionRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
}

type ReassignSessionRequest struct {
	AgentID    uuid.UUID `json:"agent_id"`
	NewAgentID uuid.UUID `json:"new_agent_id"`
}

type LeaveSessionRequest struct {
	CustomerID uuid.UUID      `json:"customer_id"`
	Reason     ReassignReason `json:"reason"`
}

type GoOfflineRequest struct {
	Reason ReassignReason `json:"reason"`
}

type ViewingRequest struct {
	CustomerID uuid.UUID `json:"customer_id"`
}

// BeaconRequest is sent on page unload. Exactly one of AgentID or (CustomerID, SessionID) is set.
type BeaconRequest struct {
	AgentID    *uuid.UUID     `json:"agent_id,omitempty"`
	CustomerID *uuid.UUID     `json:"customer_id,omitempty"`
	SessionID  *uuid.UUID     `json:"session_id,omitempty"`
	Reason     ReassignReason `json:"reason"`
}

type WebSocketMessage struct {
	Type      string                 `json:"type"`
	SessionID uuid.UUID              `json:"session_id"`
	UserID    string                 `json:"user_id"`
	UserType  string                 `json:"user_type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

type WebSocketResponse struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

type TypingIndicator struct {
	IsOtherTyping bool   `json:"is_other_typing"`
	Label         string `json:"label,omitempty"`
}

type AgentPresenceState struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type ConnectionStatusResponse struct {
	CustomerConnected bool `json:"customer_connected"`
	AgentConnected    bool `json:"agent_connected"`
	TotalCustomer     int  `json:"total_customer"`
	TotalAgent        int  `json:"total_agent"`
}

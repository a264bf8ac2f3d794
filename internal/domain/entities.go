package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionUserLeft SessionStatus = "user_left"
)

// IsClosed reports whether the conversation has ended from either side.
func (s SessionStatus) IsClosed() bool {
	return s == SessionClosed || s == SessionUserLeft
}

type ChatSession struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID      uuid.UUID     `gorm:"type:uuid;not null;index" json:"customer_id"`
	AssignedAgentID *uuid.UUID    `gorm:"type:uuid;index" json:"assigned_agent_id"`
	Status          SessionStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	Version         int64         `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `gorm:"index" json:"updated_at"`
}

func (ChatSession) TableName() string { return TableSessions }

type PresenceRecord struct {
	AgentID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"agent_id"`
	IsOnline   bool      `gorm:"not null;default:false" json:"is_online"`
	LastSeenAt time.Time `gorm:"not null" json:"last_seen_at"`
}

func (PresenceRecord) TableName() string { return TablePresence }

// IsFresh reports whether the record was seen within window of now.
func (p PresenceRecord) IsFresh(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeenAt) <= window
}

// IsLive combines the stored flag with freshness. A stale record is offline.
func (p PresenceRecord) IsLive(now time.Time, window time.Duration) bool {
	return p.IsOnline && p.IsFresh(now, window)
}

type ViewingPresence struct {
	AgentID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"agent_id"`
	CustomerID uuid.UUID `gorm:"type:uuid;not null;index" json:"customer_id"`
	IsViewing  bool      `gorm:"not null;default:true" json:"is_viewing"`
	LastSeenAt time.Time `gorm:"not null" json:"last_seen_at"`
}

func (ViewingPresence) TableName() string { return TableViewing }

type ReassignReason string

const (
	ReasonUserLeft             ReassignReason = "user_left"
	ReasonPageClose            ReassignReason = "page_close"
	ReasonTabHidden            ReassignReason = "tab_hidden"
	ReasonInactivityTimeout    ReassignReason = "inactivity_timeout"
	ReasonManualLeave          ReassignReason = "manual_leave"
	ReasonUserReconnected      ReassignReason = "user_reconnected"
	ReasonAgentWentOffline     ReassignReason = "agent_went_offline"
	ReasonAgentBecameAvailable ReassignReason = "agent_became_available"
	ReasonManualReassign       ReassignReason = "manual_reassign"
	ReasonSessionClaimed       ReassignReason = "session_claimed"
	ReasonSessionClosed        ReassignReason = "session_closed"
)

var knownReasons = map[ReassignReason]bool{
	ReasonUserLeft: true, ReasonPageClose: true, ReasonTabHidden: true,
	ReasonInactivityTimeout: true, ReasonManualLeave: true, ReasonUserReconnected: true,
	ReasonAgentWentOffline: true, ReasonAgentBecameAvailable: true, ReasonManualReassign: true,
	ReasonSessionClaimed: true, ReasonSessionClosed: true,
}

func (r ReassignReason) Valid() bool { return knownReasons[r] }

// IsAgentOfflineReason reports whether r may be used when an agent leaves.
func (r ReassignReason) IsAgentOfflineReason() bool {
	switch r {
	case ReasonManualLeave, ReasonInactivityTimeout, ReasonTabHidden, ReasonPageClose, ReasonAgentWentOffline:
		return true
	}
	return false
}

// IsCustomerLeaveReason reports whether r may be used when a customer abandons a session.
func (r ReassignReason) IsCustomerLeaveReason() bool {
	switch r {
	case ReasonUserLeft, ReasonPageClose, ReasonTabHidden:
		return true
	}
	return false
}

// ReassignmentLogEntry is append-only.
type ReassignmentLogEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"session_id"`
	CustomerID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"customer_id"`
	PreviousAgentID *uuid.UUID     `gorm:"type:uuid" json:"previous_agent_id"`
	NewAgentID      *uuid.UUID     `gorm:"type:uuid" json:"new_agent_id"`
	Reason          ReassignReason `gorm:"type:varchar(40);not null" json:"reason"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (ReassignmentLogEntry) TableName() string { return TableReassignmentLogs }

type AgentPseudonym struct {
	CustomerID uuid.UUID `gorm:"type:uuid;primaryKey" json:"customer_id"`
	AgentID    uuid.UUID `gorm:"type:uuid;not null" json:"agent_id"`
	Pseudonym  string    `gorm:"type:varchar(80);not null" json:"pseudonym"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (AgentPseudonym) TableName() string { return TablePseudonyms }

// AgentProfile carries PII; only DisplayName may reach customer-facing callers.
type AgentProfile struct {
	AgentID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"agent_id"`
	DisplayName string    `gorm:"type:varchar(120)" json:"display_name"`
	Email       string    `gorm:"type:varchar(255)" json:"email"`
	LastIP      string    `gorm:"type:varchar(64)" json:"last_ip"`
	IsAdmin     bool      `gorm:"not null;default:false" json:"is_admin"`
}

func (AgentProfile) TableName() string { return TableAgentProfiles }

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
)

type ChatMessage struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"session_id"`
	SenderID    *uuid.UUID `gorm:"type:uuid" json:"sender_id"`
	SenderType  SenderType `gorm:"type:varchar(20);not null" json:"sender_type"`
	Message     string     `gorm:"type:text" json:"message"`
	MessageType string     `gorm:"type:varchar(20);default:'text'" json:"message_type"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (ChatMessage) TableName() string { return TableMessages }

// AssignedAgent is what a customer is allowed to know about the agent on their session.
type AssignedAgent struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	IsOnline     bool       `json:"is_online"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	IsChatClosed bool       `json:"is_chat_closed"`
}

// Equal compares two resolutions; nil means no agent assigned.
func (a *AssignedAgent) Equal(b *AssignedAgent) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Name != b.Name || a.IsOnline != b.IsOnline || a.IsChatClosed != b.IsChatClosed {
		return false
	}
	if a.LastSeenAt == nil || b.LastSeenAt == nil {
		return a.LastSeenAt == b.LastSeenAt
	}
	return a.LastSeenAt.Equal(*b.LastSeenAt)
}

type ParticipantRole string

const (
	RoleCustomer ParticipantRole = "customer"
	RoleAgent    ParticipantRole = "agent"
)

// TypingState is the blob a participant tracks on a typing channel.
type TypingState struct {
	ParticipantID string          `json:"participant_id"`
	IsTyping      bool            `json:"is_typing"`
	Name          string          `json:"name"`
	Role          ParticipantRole `json:"role"`
	Timestamp     time.Time       `json:"timestamp"`
}

type SessionConnectionEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    string    `json:"user_id"`
	UserType  string    `json:"user_type"` // agent/customer
	Action    string    `json:"action"`    // user_connected/user_disconnected
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

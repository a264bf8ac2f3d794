package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TableSessions         = "chat_sessions"
	TablePresence         = "agent_presence"
	TableViewing          = "agent_viewing"
	TableReassignmentLogs = "chat_reassignment_logs"
	TablePseudonyms       = "agent_pseudonyms"
	TableAgentProfiles    = "agent_profiles"
	TableMessages         = "chat_messages"
)

// ChangeKind is the closed set of row-level mutations a change feed delivers.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "INSERT"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	if k < ChangeInsert || k > ChangeDelete {
		return nil, fmt.Errorf("invalid change kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "INSERT":
		*k = ChangeInsert
	case "UPDATE":
		*k = ChangeUpdate
	case "DELETE":
		*k = ChangeDelete
	default:
		return fmt.Errorf("unknown change kind %q", text)
	}
	return nil
}

// ChangeEvent is one row mutation. Row holds the row as written, keyed by column name.
type ChangeEvent struct {
	Kind       ChangeKind      `json:"kind"`
	Table      string          `json:"table"`
	Row        json.RawMessage `json:"row"`
	Origin     string          `json:"origin,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewChangeEvent marshals row into a ChangeEvent.
func NewChangeEvent(kind ChangeKind, table string, row interface{}) (ChangeEvent, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return ChangeEvent{
		Kind:       kind,
		Table:      table,
		Row:        data,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// Column returns the string form of a column value in Row, and whether it was present.
func (e ChangeEvent) Column(name string) (string, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(e.Row, &fields); err != nil {
		return "", false
	}
	v, ok := fields[name]
	if !ok || v == nil {
		return "", ok
	}
	switch tv := v.(type) {
	case string:
		return tv, true
	case bool:
		if tv {
			return "true", true
		}
		return "false", true
	default:
		return fmt.Sprint(tv), true
	}
}

// Decode unmarshals Row into dst.
func (e ChangeEvent) Decode(dst interface{}) error {
	return json.Unmarshal(e.Row, dst)
}

// PresenceEventKind is the closed set of presence channel notifications.
type PresenceEventKind int

const (
	PresenceSync PresenceEventKind = iota + 1
	PresenceJoin
	PresenceLeave
)

func (k PresenceEventKind) String() string {
	switch k {
	case PresenceSync:
		return "sync"
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	}
	return fmt.Sprintf("PresenceEventKind(%d)", int(k))
}

// PresenceEvent reports a change on a presence topic. State is the full merged map after the change.
type PresenceEvent struct {
	Kind  PresenceEventKind
	Topic string
	Key   string
	State map[string]json.RawMessage
}

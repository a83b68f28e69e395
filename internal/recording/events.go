// Package recording ingests live session events from editor
// instrumentation and reconstructs durable sessions from them.
package recording

import (
	"encoding/json"
	"fmt"
)

// Event types accepted by the service. The envelope uses a "type"
// discriminator so producers can send a heterogeneous stream.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventSessionUpdate = "session_update"
	EventMessageAdd    = "message_add"
	EventMessageUpdate = "message_update"
	EventMessageAppend = "message_append"
	EventHeartbeat     = "heartbeat"
	EventSnapshot      = "session_snapshot"
)

// Event is one incremental recording event. Which fields are meaningful
// depends on Type; unused fields stay at their zero value.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// session_start / session_update
	WorkspaceID   string `json:"workspace_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Title         string `json:"title,omitempty"`
	Model         string `json:"model,omitempty"`

	// message_add / message_update / message_append
	MessageID    string `json:"message_id,omitempty"`
	Role         string `json:"role,omitempty"`
	Content      string `json:"content,omitempty"`
	ContentDelta string `json:"content_delta,omitempty"`
	IsComplete   bool   `json:"is_complete,omitempty"`

	// session_snapshot
	Messages []SnapshotMessage `json:"messages,omitempty"`

	// heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SnapshotMessage is one fully-formed message inside a session_snapshot.
type SnapshotMessage struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Validate checks structural requirements that hold regardless of
// session state.
func (e *Event) Validate() error {
	switch e.Type {
	case EventSessionStart, EventSessionEnd, EventSessionUpdate, EventSnapshot:
		if e.SessionID == "" {
			return fmt.Errorf("%s: session_id is required", e.Type)
		}
	case EventMessageAdd, EventMessageUpdate, EventMessageAppend:
		if e.SessionID == "" {
			return fmt.Errorf("%s: session_id is required", e.Type)
		}
		if e.MessageID == "" {
			return fmt.Errorf("%s: message_id is required", e.Type)
		}
	case EventHeartbeat:
		// session_id optional: a bare heartbeat keeps the producer's
		// transport alive without touching any session.
	case "":
		return fmt.Errorf("event type is required")
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// State of one recording session.
type State string

const (
	StateOpen      State = "open"
	StateCrashed   State = "crashed"
	StateFinalized State = "finalized"
)

// Status is a point-in-time view of one recording session, safe to hand
// across goroutines.
type Status struct {
	SessionID    string `json:"session_id"`
	Producer     string `json:"producer,omitempty"`
	State        State  `json:"state"`
	Provider     string `json:"provider"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"message_count"`
	StartedAt    int64  `json:"started_at"`
	LastEventAt  int64  `json:"last_event_at"`
	Dirty        bool   `json:"dirty"`
}

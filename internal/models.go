package internal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WorkspaceStatus classifies a workspace hash relative to the current
// resolution of its project path.
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceOrphaned WorkspaceStatus = "orphaned"
)

// Workspace is one provider storage unit tied to a project path.
type Workspace struct {
	Hash         string          `json:"hash"`
	ProjectPath  string          `json:"project_path,omitempty"`
	Provider     string          `json:"provider"`
	Status       WorkspaceStatus `json:"status"`
	LastSeen     time.Time       `json:"last_seen,omitempty"`
	SessionCount int             `json:"session_count"`
	StoragePath  string          `json:"storage_path,omitempty"`
}

// SessionRef is a lightweight handle to a provider-native session,
// enough to read it without loading the content.
type SessionRef struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	WorkspaceHash string `json:"workspace,omitempty"`
	Path          string `json:"path,omitempty"`
	Title         string `json:"title,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

// Session is a normalized chat session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Provider  string    `json:"provider"`
	Workspace string    `json:"workspace,omitempty"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
	Messages  []Message `json:"messages"`
	Metadata  Metadata  `json:"metadata,omitempty"`

	// Native holds the provider's original serialized document, untouched.
	// Push-side serialization starts from these bytes so fields the
	// normalizer does not understand survive a round trip.
	Native json.RawMessage `json:"-"`

	// Partial marks a session recovered from a truncated or corrupt file.
	Partial bool `json:"partial,omitempty"`
}

// Message is one normalized message within a session.
type Message struct {
	ID         string     `json:"id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Role       string     `json:"role"` // "user", "assistant", "system"
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp,omitempty"` // epoch millis
	Sequence   int        `json:"sequence"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	References []string   `json:"references,omitempty"`
}

// ToolCall records one tool invocation attached to a message.
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// Metadata carries session-level fields of the universal export schema.
type Metadata struct {
	Model           string   `json:"model,omitempty"`
	TotalTokens     int64    `json:"total_tokens,omitempty"`
	FilesReferenced []string `json:"files_referenced,omitempty"`
}

// Checkpoint is a content-addressed snapshot of a session.
type Checkpoint struct {
	SessionID   string    `json:"session_id"`
	Label       string    `json:"label"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	Snapshot    []byte    `json:"-"`
}

// MessageCount reports the number of messages in the session.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// CreatedTime converts the millisecond creation timestamp.
func (s *Session) CreatedTime() time.Time {
	return time.Unix(0, s.CreatedAt*int64(time.Millisecond))
}

// UpdatedTime converts the millisecond last-update timestamp.
func (s *Session) UpdatedTime() time.Time {
	return time.Unix(0, s.UpdatedAt*int64(time.Millisecond))
}

// Resequence rewrites message sequence indexes to be dense and monotonic
// in slice order and stamps the owning session id on each message.
func (s *Session) Resequence() {
	for i := range s.Messages {
		s.Messages[i].Sequence = i
		s.Messages[i].SessionID = s.ID
	}
}

// ContentHash computes a deterministic hash over the full message sequence.
// Recomputing over identical content yields the same value, so it serves
// for checkpoint identity and cheap equality checks between copies.
func (s *Session) ContentHash() string {
	h := sha256.New()
	var buf [8]byte
	for _, msg := range s.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], uint64(msg.Timestamp))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(msg.Sequence))
		h.Write(buf[:])
		for _, tc := range msg.ToolCalls {
			h.Write([]byte(tc.Name))
			h.Write([]byte{0})
			h.Write([]byte(tc.Input))
			h.Write([]byte{0})
		}
		for _, ref := range msg.References {
			h.Write([]byte(ref))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewCheckpoint snapshots the session under the given label.
func NewCheckpoint(s *Session, label string) (*Checkpoint, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		SessionID:   s.ID,
		Label:       label,
		ContentHash: s.ContentHash(),
		CreatedAt:   time.Now().UTC(),
		Snapshot:    snapshot,
	}, nil
}

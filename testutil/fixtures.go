// Package testutil builds provider storage fixtures for tests.
package testutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// CreateTempDir creates a temporary directory cleaned up with the test.
func CreateTempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// CreateWorkspaceFixture lays out one workspaceStorage entry: the
// directory, its workspace.json pointing at folder, and an empty
// chatSessions directory. Returns the workspace directory.
func CreateWorkspaceFixture(t *testing.T, baseDir, hash, folder string) string {
	t.Helper()
	workspaceDir := filepath.Join(baseDir, "workspaceStorage", hash)
	if err := os.MkdirAll(filepath.Join(workspaceDir, "chatSessions"), 0o755); err != nil {
		t.Fatalf("Failed to create workspace directory: %v", err)
	}

	meta, _ := json.Marshal(map[string]string{"folder": "file://" + folder})
	if err := os.WriteFile(filepath.Join(workspaceDir, "workspace.json"), meta, 0o644); err != nil {
		t.Fatalf("Failed to write workspace.json: %v", err)
	}
	return workspaceDir
}

// SessionDoc is a minimal provider-native session document for fixtures.
type SessionDoc struct {
	Version         int          `json:"version"`
	SessionID       string       `json:"sessionId,omitempty"`
	CreationDate    int64        `json:"creationDate,omitempty"`
	LastMessageDate int64        `json:"lastMessageDate,omitempty"`
	CustomTitle     string       `json:"customTitle,omitempty"`
	Requests        []RequestDoc `json:"requests"`
}

// RequestDoc is one user turn with its response in fixture documents.
type RequestDoc struct {
	RequestID string         `json:"requestId,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	ModelID   string         `json:"modelId,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	Response  map[string]any `json:"response,omitempty"`
}

// NewRequest builds a user/assistant request pair.
func NewRequest(id string, ts int64, prompt, reply string) RequestDoc {
	return RequestDoc{
		RequestID: id,
		Timestamp: ts,
		Message:   map[string]any{"text": prompt},
		Response:  map[string]any{"result": reply},
	}
}

// WriteSessionFile writes a whole-document session file into a
// workspace's chatSessions directory and returns its path.
func WriteSessionFile(t *testing.T, workspaceDir, sessionID string, doc SessionDoc) string {
	t.Helper()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal session doc: %v", err)
	}
	path := filepath.Join(workspaceDir, "chatSessions", sessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write session file: %v", err)
	}
	return path
}

// WriteEventLogFile writes an event log session file from pre-encoded
// lines and returns its path.
func WriteEventLogFile(t *testing.T, workspaceDir, sessionID string, lines []string) string {
	t.Helper()
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	path := filepath.Join(workspaceDir, "chatSessions", sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write event log: %v", err)
	}
	return path
}

// CreateStateDB creates a workspace state database with an ItemTable,
// optionally seeded with a chat session index value.
func CreateStateDB(t *testing.T, workspaceDir string, indexJSON string) string {
	t.Helper()
	path := filepath.Join(workspaceDir, "state.vscdb")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to create state database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ItemTable (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("Failed to create ItemTable: %v", err)
	}
	if indexJSON != "" {
		if _, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`,
			"chat.ChatSessionStore.index", indexJSON); err != nil {
			t.Fatalf("Failed to seed session index: %v", err)
		}
	}
	return path
}

// CreateCursorDB creates a global storage database with a cursorDiskKV
// table seeded from kv.
func CreateCursorDB(t *testing.T, baseDir string, kv map[string]string) string {
	t.Helper()
	dir := filepath.Join(baseDir, "globalStorage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create globalStorage: %v", err)
	}
	path := filepath.Join(dir, "state.vscdb")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to create cursor database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cursorDiskKV (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("Failed to create cursorDiskKV: %v", err)
	}
	for key, value := range kv {
		if _, err := db.Exec(`INSERT INTO cursorDiskKV (key, value) VALUES (?, ?)`, key, value); err != nil {
			t.Fatalf("Failed to seed %s: %v", key, err)
		}
	}
	return path
}

// ComposerJSON renders a composerData value with conversation headers.
func ComposerJSON(composerID, name string, created, updated int64, bubbleIDs []string, types []int) string {
	headers := make([]map[string]any, 0, len(bubbleIDs))
	for i, id := range bubbleIDs {
		headers = append(headers, map[string]any{"bubbleId": id, "type": types[i]})
	}
	doc := map[string]any{
		"composerId":                  composerID,
		"name":                        name,
		"createdAt":                   created,
		"lastUpdatedAt":               updated,
		"fullConversationHeadersOnly": headers,
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// BubbleJSON renders a bubbleId value.
func BubbleJSON(bubbleID, text string, ts int64, bubbleType int) string {
	doc := map[string]any{
		"bubbleId":  bubbleID,
		"text":      text,
		"timestamp": ts,
		"type":      bubbleType,
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// EventLine encodes one event log line of the given kind.
func EventLine(kind int, fields map[string]any) string {
	doc := map[string]any{"kind": kind}
	for k, v := range fields {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("encode event line: %v", err))
	}
	return string(data)
}

package recovery

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
)

const sessionIndexKey = "chat.ChatSessionStore.index"

// sessionIndex mirrors the editor's chat session index stored in the
// per-workspace state database. Field names must round-trip exactly.
type sessionIndex struct {
	Version int                          `json:"version"`
	Entries map[string]sessionIndexEntry `json:"entries"`
}

type sessionIndexEntry struct {
	SessionID       string `json:"sessionId"`
	Title           string `json:"title"`
	LastMessageDate int64  `json:"lastMessageDate"`
	IsImported      bool   `json:"isImported"`
	InitialLocation string `json:"initialLocation"`
	IsEmpty         bool   `json:"isEmpty"`
}

// RegisterResult reports index changes made by Register.
type RegisterResult struct {
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Backup  string `json:"backup,omitempty"`
}

// Registrar reconciles the editor's on-disk session index with the
// session files actually present in a workspace. The index write is
// transactional: the new value is read back inside the transaction and
// the whole mutation is rolled back if it does not match what was
// written, leaving the original index byte-identical.
type Registrar struct {
	adapter *provider.VSCodeAdapter
	log     zerolog.Logger
}

// NewRegistrar creates a Registrar over a VS Code style adapter.
func NewRegistrar(adapter *provider.VSCodeAdapter, log zerolog.Logger) *Registrar {
	return &Registrar{adapter: adapter, log: log.With().Str("component", "register").Logger()}
}

// Register makes the workspace's session index match the session files on
// disk: entries without a backing file are dropped, files without an
// entry are added. A timestamped copy of the state database is written
// next to it before any mutation.
func (r *Registrar) Register(ctx context.Context, workspaceHash string) (*RegisterResult, error) {
	dbPath := r.adapter.StateDBPath(workspaceHash)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, &internal.ResolutionError{Path: dbPath, Detail: "workspace state database not found"}
	}

	backup, err := backupFile(dbPath)
	if err != nil {
		return nil, &internal.PersistenceError{Op: "backup", Key: dbPath, Err: err}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &internal.PersistenceError{Op: "open", Key: dbPath, Err: err}
	}
	defer db.Close()

	index, existed, err := readIndex(ctx, db)
	if err != nil {
		return nil, err
	}

	result := &RegisterResult{Backup: backup}
	onDisk := make(map[string]internal.SessionRef)
	refs, err := r.adapter.ListSessions(ctx, internal.Workspace{Hash: workspaceHash})
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		onDisk[ref.ID] = ref
	}

	for id := range index.Entries {
		if _, ok := onDisk[id]; !ok {
			delete(index.Entries, id)
			result.Removed++
		}
	}
	for id, ref := range onDisk {
		if _, ok := index.Entries[id]; ok {
			continue
		}
		session, readErr := r.adapter.ReadSession(ctx, ref)
		if session == nil {
			var formatErr *internal.FormatError
			if errors.As(readErr, &formatErr) {
				r.log.Warn().Str("session", id).Err(readErr).Msg("not registering malformed session")
				continue
			}
			return nil, readErr
		}
		index.Entries[id] = sessionIndexEntry{
			SessionID:       id,
			Title:           session.Title,
			LastMessageDate: session.UpdatedAt,
			IsImported:      true,
			InitialLocation: "panel",
			IsEmpty:         len(session.Messages) == 0,
		}
		result.Added++
	}

	if result.Added == 0 && result.Removed == 0 {
		return result, nil
	}
	if err := writeIndexVerified(ctx, db, index, existed); err != nil {
		return nil, err
	}
	r.log.Info().
		Str("workspace", workspaceHash).
		Int("added", result.Added).
		Int("removed", result.Removed).
		Msg("session index updated")
	return result, nil
}

func readIndex(ctx context.Context, db *sql.DB) (*sessionIndex, bool, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = ?`, sessionIndexKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return &sessionIndex{Version: 1, Entries: make(map[string]sessionIndexEntry)}, false, nil
	}
	if err != nil {
		return nil, false, &internal.PersistenceError{Op: "read index", Key: sessionIndexKey, Err: err}
	}
	index := &sessionIndex{}
	if err := json.Unmarshal([]byte(raw), index); err != nil {
		return nil, false, &internal.PersistenceError{Op: "decode index", Key: sessionIndexKey, Err: err}
	}
	if index.Entries == nil {
		index.Entries = make(map[string]sessionIndexEntry)
	}
	if index.Version == 0 {
		index.Version = 1
	}
	return index, true, nil
}

// writeIndexVerified writes the index and reads it back inside the same
// transaction. Any mismatch aborts the transaction so the stored value
// stays exactly what it was.
func writeIndexVerified(ctx context.Context, db *sql.DB, index *sessionIndex, existed bool) error {
	encoded, err := json.Marshal(index)
	if err != nil {
		return &internal.PersistenceError{Op: "encode index", Key: sessionIndexKey, Err: err}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &internal.PersistenceError{Op: "begin", Key: sessionIndexKey, Err: err}
	}
	defer tx.Rollback()

	if existed {
		_, err = tx.ExecContext(ctx, `UPDATE ItemTable SET value = ? WHERE key = ?`, string(encoded), sessionIndexKey)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO ItemTable (key, value) VALUES (?, ?)`, sessionIndexKey, string(encoded))
	}
	if err != nil {
		return &internal.PersistenceError{Op: "write index", Key: sessionIndexKey, Err: err}
	}

	var readBack string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = ?`, sessionIndexKey).Scan(&readBack); err != nil {
		return &internal.PersistenceError{Op: "verify index", Key: sessionIndexKey, Err: err}
	}
	if !bytes.Equal([]byte(readBack), encoded) {
		return &internal.PersistenceError{
			Op:  "verify index",
			Key: sessionIndexKey,
			Err: fmt.Errorf("read-back mismatch, aborting index update"),
		}
	}

	if err := tx.Commit(); err != nil {
		return &internal.PersistenceError{Op: "commit", Key: sessionIndexKey, Err: err}
	}
	return nil
}

func backupFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	stamp := time.Now().UTC().Format("20060102T150405")
	backup := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s.%s.bak", filepath.Base(path), stamp))
	dst, err := os.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(backup)
		return "", err
	}
	return backup, nil
}

// Package store is the canonical session persistence layer: one sqlite
// database holding normalized workspaces, sessions, messages, checkpoints
// and sync baselines, with a full-text index over message content.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iksnae/chat-harvest/internal"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	hash          TEXT PRIMARY KEY,
	project_path  TEXT,
	provider      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	last_seen     INTEGER,
	session_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	title         TEXT,
	provider      TEXT NOT NULL,
	workspace     TEXT,
	created_at    INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	partial       INTEGER NOT NULL DEFAULT 0,
	model         TEXT,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	files_json    TEXT,
	native        BLOB
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	id         TEXT,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL DEFAULT 0,
	tool_json  TEXT,
	refs_json  TEXT,
	PRIMARY KEY (session_id, sequence)
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	session_id UNINDEXED,
	content
);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id   TEXT NOT NULL,
	label        TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	snapshot     BLOB NOT NULL,
	PRIMARY KEY (session_id, label)
);

CREATE TABLE IF NOT EXISTS sync_baselines (
	session_id          TEXT PRIMARY KEY,
	provider            TEXT NOT NULL,
	provider_updated_at INTEGER NOT NULL DEFAULT 0,
	store_hash          TEXT NOT NULL,
	native_hash         TEXT,
	synced_at           INTEGER NOT NULL
);
`

// Store is the canonical session store. Writes for a given session id are
// serialized by a keyed lock; sessions with different ids commit
// concurrently under sqlite's WAL.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Baseline records the state observed at the last successful sync of a
// session, used to tell fresh provider edits from already-seen content.
type Baseline struct {
	SessionID         string
	Provider          string
	ProviderUpdatedAt int64
	StoreHash         string
	NativeHash        string
	SyncedAt          time.Time
}

// Summary is a listing row; message content is not loaded.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Provider     string    `json:"provider"`
	Workspace    string    `json:"workspace,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Partial      bool      `json:"partial,omitempty"`
}

// Open opens (creating if needed) the canonical store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sessionLock returns the mutex serializing writers of one session id.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// UpsertWorkspace writes one workspace classification row.
func (s *Store) UpsertWorkspace(ctx context.Context, ws internal.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (hash, project_path, provider, status, last_seen, session_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			project_path = excluded.project_path,
			status = excluded.status,
			last_seen = excluded.last_seen,
			session_count = excluded.session_count`,
		ws.Hash, ws.ProjectPath, ws.Provider, string(ws.Status), ws.LastSeen.UnixMilli(), ws.SessionCount)
	if err != nil {
		return &internal.PersistenceError{Op: "upsert workspace", Key: ws.Hash, Err: err}
	}
	return nil
}

// ListWorkspaces returns the stored workspace classifications, optionally
// filtered by provider.
func (s *Store) ListWorkspaces(ctx context.Context, provider string) ([]internal.Workspace, error) {
	query := "SELECT hash, project_path, provider, status, last_seen, session_count FROM workspaces"
	var args []any
	if provider != "" {
		query += " WHERE provider = ?"
		args = append(args, provider)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []internal.Workspace
	for rows.Next() {
		var ws internal.Workspace
		var status string
		var lastSeen int64
		var path sql.NullString
		if err := rows.Scan(&ws.Hash, &path, &ws.Provider, &status, &lastSeen, &ws.SessionCount); err != nil {
			return nil, err
		}
		ws.ProjectPath = path.String
		ws.Status = internal.WorkspaceStatus(status)
		if lastSeen > 0 {
			ws.LastSeen = time.UnixMilli(lastSeen)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// PutSession commits a full session (header plus message set) atomically.
// Only this session's rows are touched; a failure rolls back the in-flight
// transaction and leaves previously committed state visible.
func (s *Store) PutSession(ctx context.Context, session *internal.Session) error {
	lock := s.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &internal.PersistenceError{Op: "begin", Key: session.ID, Err: err}
	}
	defer tx.Rollback()

	filesJSON, err := json.Marshal(session.Metadata.FilesReferenced)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, provider, workspace, created_at, updated_at,
			message_count, partial, model, total_tokens, files_json, native)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			provider = excluded.provider,
			workspace = excluded.workspace,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			partial = excluded.partial,
			model = excluded.model,
			total_tokens = excluded.total_tokens,
			files_json = excluded.files_json,
			native = excluded.native`,
		session.ID, session.Title, session.Provider, session.Workspace,
		session.CreatedAt, session.UpdatedAt, len(session.Messages),
		boolToInt(session.Partial), session.Metadata.Model,
		session.Metadata.TotalTokens, string(filesJSON), []byte(session.Native))
	if err != nil {
		return &internal.PersistenceError{Op: "upsert session", Key: session.ID, Err: err}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", session.ID); err != nil {
		return &internal.PersistenceError{Op: "clear messages", Key: session.ID, Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages_fts WHERE session_id = ?", session.ID); err != nil {
		return &internal.PersistenceError{Op: "clear fts", Key: session.ID, Err: err}
	}

	for _, msg := range session.Messages {
		toolJSON, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return err
		}
		refsJSON, err := json.Marshal(msg.References)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, sequence, id, role, content, timestamp, tool_json, refs_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, msg.Sequence, msg.ID, msg.Role, msg.Content, msg.Timestamp,
			string(toolJSON), string(refsJSON))
		if err != nil {
			return &internal.PersistenceError{Op: "insert message", Key: fmt.Sprintf("%s#%d", session.ID, msg.Sequence), Err: err}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages_fts (session_id, content) VALUES (?, ?)",
			session.ID, msg.Content)
		if err != nil {
			return &internal.PersistenceError{Op: "index message", Key: session.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &internal.PersistenceError{Op: "commit", Key: session.ID, Err: err}
	}
	return nil
}

// GetSession loads one session with its full message sequence, ordered by
// sequence index.
func (s *Store) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, workspace, created_at, updated_at, partial,
			model, total_tokens, files_json, native
		FROM sessions WHERE id = ?`, id)

	session := &internal.Session{}
	var title, model, filesJSON sql.NullString
	var workspace sql.NullString
	var partial int
	var native []byte
	err := row.Scan(&session.ID, &title, &session.Provider, &workspace,
		&session.CreatedAt, &session.UpdatedAt, &partial, &model, &session.Metadata.TotalTokens,
		&filesJSON, &native)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	session.Title = title.String
	session.Workspace = workspace.String
	session.Partial = partial != 0
	session.Metadata.Model = model.String
	session.Native = json.RawMessage(native)
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &session.Metadata.FilesReferenced)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, role, content, timestamp, tool_json, refs_json
		FROM messages WHERE session_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg internal.Message
		var msgID, toolJSON, refsJSON sql.NullString
		if err := rows.Scan(&msg.Sequence, &msgID, &msg.Role, &msg.Content, &msg.Timestamp, &toolJSON, &refsJSON); err != nil {
			return nil, err
		}
		msg.ID = msgID.String
		msg.SessionID = id
		if toolJSON.Valid && toolJSON.String != "" {
			_ = json.Unmarshal([]byte(toolJSON.String), &msg.ToolCalls)
		}
		if refsJSON.Valid && refsJSON.String != "" {
			_ = json.Unmarshal([]byte(refsJSON.String), &msg.References)
		}
		session.Messages = append(session.Messages, msg)
	}
	return session, rows.Err()
}

// ListSessions returns session summaries, newest first. Workspace and
// provider filters are optional.
func (s *Store) ListSessions(ctx context.Context, provider, workspace string) ([]Summary, error) {
	query := `SELECT id, title, provider, workspace, message_count, updated_at, partial FROM sessions`
	var conds []string
	var args []any
	if provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, provider)
	}
	if workspace != "" {
		conds = append(conds, "workspace = ?")
		args = append(args, workspace)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// Search runs a full-text query over message content and returns the
// sessions holding matches, newest first.
func (s *Store) Search(ctx context.Context, query string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.provider, s.workspace, s.message_count, s.updated_at, s.partial
		FROM sessions s
		WHERE s.id IN (SELECT DISTINCT session_id FROM messages_fts WHERE messages_fts MATCH ?)
		ORDER BY s.updated_at DESC`, query)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	var out []Summary
	for rows.Next() {
		var sum Summary
		var title, workspace sql.NullString
		var updated int64
		var partial int
		if err := rows.Scan(&sum.ID, &title, &sum.Provider, &workspace, &sum.MessageCount, &updated, &partial); err != nil {
			return nil, err
		}
		sum.Title = title.String
		sum.Workspace = workspace.String
		sum.UpdatedAt = time.UnixMilli(updated)
		sum.Partial = partial != 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveCheckpoint persists a content-addressed snapshot. Saving the same
// label twice replaces the snapshot, which is safe because equal content
// hashes imply equal snapshots.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *internal.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, label, content_hash, created_at, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, label) DO UPDATE SET
			content_hash = excluded.content_hash,
			created_at = excluded.created_at,
			snapshot = excluded.snapshot`,
		cp.SessionID, cp.Label, cp.ContentHash, cp.CreatedAt.UnixMilli(), cp.Snapshot)
	if err != nil {
		return &internal.PersistenceError{Op: "save checkpoint", Key: cp.SessionID + "/" + cp.Label, Err: err}
	}
	return nil
}

// GetCheckpoint loads one checkpoint by session id and label.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID, label string) (*internal.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, label, content_hash, created_at, snapshot
		FROM checkpoints WHERE session_id = ? AND label = ?`, sessionID, label)
	cp := &internal.Checkpoint{}
	var created int64
	err := row.Scan(&cp.SessionID, &cp.Label, &cp.ContentHash, &created, &cp.Snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", sessionID, label, err)
	}
	cp.CreatedAt = time.UnixMilli(created)
	return cp, nil
}

// Baseline returns the last recorded sync baseline for a session, or nil.
func (s *Store) Baseline(ctx context.Context, sessionID string) (*Baseline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, provider, provider_updated_at, store_hash, native_hash, synced_at
		FROM sync_baselines WHERE session_id = ?`, sessionID)
	b := &Baseline{}
	var nativeHash sql.NullString
	var syncedAt int64
	err := row.Scan(&b.SessionID, &b.Provider, &b.ProviderUpdatedAt, &b.StoreHash, &nativeHash, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline %s: %w", sessionID, err)
	}
	b.NativeHash = nativeHash.String
	b.SyncedAt = time.UnixMilli(syncedAt)
	return b, nil
}

// SetBaseline records the state observed by a completed sync.
func (s *Store) SetBaseline(ctx context.Context, b Baseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_baselines (session_id, provider, provider_updated_at, store_hash, native_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			provider = excluded.provider,
			provider_updated_at = excluded.provider_updated_at,
			store_hash = excluded.store_hash,
			native_hash = excluded.native_hash,
			synced_at = excluded.synced_at`,
		b.SessionID, b.Provider, b.ProviderUpdatedAt, b.StoreHash, b.NativeHash, b.SyncedAt.UnixMilli())
	if err != nil {
		return &internal.PersistenceError{Op: "set baseline", Key: b.SessionID, Err: err}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

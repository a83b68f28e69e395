package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/iksnae/chat-harvest/internal"
)

// GlobalWorkspaceHash groups sessions the provider stores without any
// workspace association.
const GlobalWorkspaceHash = "global"

// CursorAdapter reads Cursor's chat storage: a key-value table
// (cursorDiskKV) inside globalStorage/state.vscdb, with composerData:<id>
// entries describing conversations and bubbleId:<chat>:<id> entries holding
// the individual messages.
type CursorAdapter struct {
	baseDir string
}

// NewCursorAdapter creates an adapter rooted at baseDir (the User storage
// directory). An empty baseDir resolves the platform default.
func NewCursorAdapter(baseDir string) *CursorAdapter {
	if baseDir == "" {
		baseDir = defaultCursorUserDir()
	}
	return &CursorAdapter{baseDir: baseDir}
}

func defaultCursorUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "Cursor", "User")
		}
		return filepath.Join(home, "AppData", "Roaming", "Cursor", "User")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Cursor", "User")
	default:
		return filepath.Join(home, ".config", "Cursor", "User")
	}
}

// Tag implements Adapter.
func (a *CursorAdapter) Tag() string { return "cursor" }

// Available implements Adapter.
func (a *CursorAdapter) Available() bool {
	if a.baseDir == "" {
		return false
	}
	_, err := os.Stat(a.globalDBPath())
	return err == nil
}

func (a *CursorAdapter) globalDBPath() string {
	return filepath.Join(a.baseDir, "globalStorage", "state.vscdb")
}

func (a *CursorAdapter) openRO() (*sql.DB, error) {
	db, err := sql.Open("sqlite", a.globalDBPath()+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open cursor storage: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cursor storage ping: %w", err)
	}
	return db, nil
}

func (a *CursorAdapter) openRW() (*sql.DB, error) {
	db, err := sql.Open("sqlite", a.globalDBPath())
	if err != nil {
		return nil, fmt.Errorf("open cursor storage: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return db, nil
}

// composerDoc mirrors the composerData value. Raw is kept so unknown fields
// survive writes.
type composerDoc struct {
	ComposerID string `json:"composerId"`
	Name       string `json:"name,omitempty"`
	Headers    []struct {
		BubbleID string `json:"bubbleId"`
		Type     int    `json:"type"`
	} `json:"fullConversationHeadersOnly,omitempty"`
	CreatedAt     int64 `json:"createdAt,omitempty"`
	LastUpdatedAt int64 `json:"lastUpdatedAt,omitempty"`
}

type bubbleDoc struct {
	BubbleID  string `json:"bubbleId"`
	Text      string `json:"text,omitempty"`
	RichText  string `json:"richText,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Type      int    `json:"type"` // 1=user, 2=assistant
}

// content returns the bubble's text, falling back to the rich text tree
// newer editor versions write instead of plain text.
func (b *bubbleDoc) content() string {
	if b.Text != "" {
		return b.Text
	}
	return extractRichText(b.RichText)
}

// queryKV scans cursorDiskKV rows matching a key prefix.
func queryKV(ctx context.Context, db *sql.DB, pattern string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key, value FROM cursorDiskKV WHERE key LIKE ? AND value IS NOT NULL", pattern)
	if err != nil {
		return nil, fmt.Errorf("query cursorDiskKV: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan cursorDiskKV: %w", err)
		}
		if value.Valid {
			out[key] = value.String
		}
	}
	return out, rows.Err()
}

// ListWorkspaces implements Adapter. Cursor keeps per-workspace metadata in
// workspaceStorage like VS Code does, plus one synthetic "global" workspace
// for sessions with no association.
func (a *CursorAdapter) ListWorkspaces(ctx context.Context) ([]internal.Workspace, error) {
	vs := &VSCodeAdapter{baseDir: a.baseDir}
	workspaces, err := vs.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for i := range workspaces {
		workspaces[i].Provider = a.Tag()
	}

	global := internal.Workspace{
		Hash:        GlobalWorkspaceHash,
		Provider:    a.Tag(),
		StoragePath: filepath.Dir(a.globalDBPath()),
	}
	if info, err := os.Stat(a.globalDBPath()); err == nil {
		global.LastSeen = info.ModTime()
	}
	return append(workspaces, global), nil
}

// workspaceByPath indexes workspace hashes by normalized project path.
func workspaceByPath(workspaces []internal.Workspace) map[string]string {
	out := make(map[string]string, len(workspaces))
	for _, ws := range workspaces {
		if ws.ProjectPath != "" {
			out[internal.NormalizePath(ws.ProjectPath)] = ws.Hash
		}
	}
	return out
}

// composerWorkspaces associates composer ids with workspace hashes through
// the messageRequestContext projectLayouts entries.
func (a *CursorAdapter) composerWorkspaces(ctx context.Context, db *sql.DB) (map[string]string, error) {
	workspaces, err := a.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	byPath := workspaceByPath(workspaces)

	contexts, err := queryKV(ctx, db, "messageRequestContext:%")
	if err != nil {
		return nil, err
	}

	assoc := make(map[string]string)
	for key, value := range contexts {
		parts := strings.Split(strings.TrimPrefix(key, "messageRequestContext:"), ":")
		if len(parts) < 2 {
			continue
		}
		composerID := parts[0]
		if _, done := assoc[composerID]; done {
			continue
		}
		var mc struct {
			ProjectLayouts []string `json:"projectLayouts,omitempty"`
		}
		if err := json.Unmarshal([]byte(value), &mc); err != nil {
			continue
		}
		for _, layout := range mc.ProjectLayouts {
			if hash, ok := byPath[internal.NormalizePath(layout)]; ok {
				assoc[composerID] = hash
				break
			}
		}
	}
	return assoc, nil
}

// ListSessions implements Adapter. Sessions associate to a workspace via
// their request contexts; everything unassociated belongs to the synthetic
// global workspace.
func (a *CursorAdapter) ListSessions(ctx context.Context, ws internal.Workspace) ([]internal.SessionRef, error) {
	db, err := a.openRO()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	composers, err := queryKV(ctx, db, "composerData:%")
	if err != nil {
		return nil, err
	}
	assoc, err := a.composerWorkspaces(ctx, db)
	if err != nil {
		return nil, err
	}

	var refs []internal.SessionRef
	for key, value := range composers {
		id := strings.TrimPrefix(key, "composerData:")
		hash, ok := assoc[id]
		if !ok {
			hash = GlobalWorkspaceHash
		}
		if hash != ws.Hash {
			continue
		}
		var doc composerDoc
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			// Malformed entries are reported by ReadSession; listing
			// skips them silently like the editor does.
			continue
		}
		updated := doc.LastUpdatedAt
		if updated == 0 {
			updated = doc.CreatedAt
		}
		refs = append(refs, internal.SessionRef{
			ID:            id,
			Provider:      a.Tag(),
			WorkspaceHash: ws.Hash,
			Title:         doc.Name,
			UpdatedAt:     updated,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// ReadSession implements Adapter. Conversation state is reconstructed from
// the composer's header list: each header points at a bubble, and bubbles
// missing from the store are skipped rather than failing the whole read.
func (a *CursorAdapter) ReadSession(ctx context.Context, ref internal.SessionRef) (*internal.Session, error) {
	db, err := a.openRO()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var raw string
	err = db.QueryRowContext(ctx,
		"SELECT value FROM cursorDiskKV WHERE key = ?", "composerData:"+ref.ID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &internal.FormatError{Provider: a.Tag(), Path: ref.ID, Detail: "composer not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("read composer: %w", err)
	}

	var doc composerDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &internal.FormatError{Provider: a.Tag(), Path: ref.ID, Detail: "unparseable composer data", Err: err}
	}

	bubbles, err := queryKV(ctx, db, "bubbleId:"+ref.ID+":%")
	if err != nil {
		return nil, err
	}
	bubbleByID := make(map[string]bubbleDoc, len(bubbles))
	for key, value := range bubbles {
		parts := strings.Split(strings.TrimPrefix(key, "bubbleId:"), ":")
		if len(parts) != 2 {
			continue
		}
		var b bubbleDoc
		if err := json.Unmarshal([]byte(value), &b); err != nil {
			continue
		}
		b.BubbleID = parts[1]
		bubbleByID[b.BubbleID] = b
	}

	session := &internal.Session{
		ID:        ref.ID,
		Provider:  a.Tag(),
		Workspace: ref.WorkspaceHash,
		Title:     doc.Name,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.LastUpdatedAt,
		Native:    json.RawMessage(raw),
	}
	missing := 0
	for _, header := range doc.Headers {
		bubble, ok := bubbleByID[header.BubbleID]
		content := ""
		if ok {
			content = bubble.content()
		}
		if content == "" {
			missing++
			continue
		}
		role := "user"
		if header.Type == 2 {
			role = "assistant"
		}
		session.Messages = append(session.Messages, internal.Message{
			ID:        header.BubbleID,
			Role:      role,
			Content:   content,
			Timestamp: bubble.Timestamp,
		})
	}
	session.Resequence()
	if session.UpdatedAt == 0 {
		session.UpdatedAt = session.CreatedAt
	}

	if missing > 0 && len(session.Messages) > 0 {
		session.Partial = true
		return session, &internal.PartialReadError{
			Path:      "composerData:" + ref.ID,
			Recovered: len(session.Messages),
			Err:       fmt.Errorf("%d bubbles referenced by headers are missing", missing),
		}
	}
	return session, nil
}

// WriteSession implements Adapter. The composer document is patched through
// a raw-field map so keys the normalizer does not model are preserved;
// bubbles are upserted per message inside one transaction.
func (a *CursorAdapter) WriteSession(ctx context.Context, ref internal.SessionRef, session *internal.Session) error {
	db, err := a.openRW()
	if err != nil {
		return err
	}
	defer db.Close()

	top := map[string]json.RawMessage{}
	if len(session.Native) > 0 {
		if err := json.Unmarshal(session.Native, &top); err != nil {
			return &internal.FormatError{Provider: a.Tag(), Path: ref.ID, Detail: "re-decode composer data", Err: err}
		}
	}

	type header struct {
		BubbleID string `json:"bubbleId"`
		Type     int    `json:"type"`
	}
	headers := make([]header, 0, len(session.Messages))
	for _, msg := range session.Messages {
		t := 1
		if msg.Role == "assistant" {
			t = 2
		}
		headers = append(headers, header{BubbleID: msg.ID, Type: t})
	}

	setRaw := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		top[key] = raw
		return nil
	}
	if err := setRaw("composerId", session.ID); err != nil {
		return err
	}
	if session.Title != "" {
		if err := setRaw("name", session.Title); err != nil {
			return err
		}
	}
	if err := setRaw("createdAt", session.CreatedAt); err != nil {
		return err
	}
	if err := setRaw("lastUpdatedAt", session.UpdatedAt); err != nil {
		return err
	}
	if err := setRaw("fullConversationHeadersOnly", headers); err != nil {
		return err
	}
	composerJSON, err := json.Marshal(top)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cursor write: %w", err)
	}
	defer tx.Rollback()

	upsert := "INSERT INTO cursorDiskKV (key, value) VALUES (?, ?) " +
		"ON CONFLICT(key) DO UPDATE SET value = excluded.value"
	if _, err := tx.ExecContext(ctx, upsert, "composerData:"+session.ID, string(composerJSON)); err != nil {
		return &internal.PersistenceError{Op: "write composer", Key: session.ID, Err: err}
	}
	for i, msg := range session.Messages {
		t := 1
		if msg.Role == "assistant" {
			t = 2
		}
		bubble, err := json.Marshal(bubbleDoc{
			BubbleID:  msg.ID,
			Text:      msg.Content,
			Timestamp: msg.Timestamp,
			Type:      t,
		})
		if err != nil {
			return err
		}
		key := fmt.Sprintf("bubbleId:%s:%s", session.ID, msg.ID)
		if _, err := tx.ExecContext(ctx, upsert, key, string(bubble)); err != nil {
			return &internal.PersistenceError{Op: "write bubble", Key: fmt.Sprintf("%s[%d]", session.ID, i), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &internal.PersistenceError{Op: "commit cursor write", Key: session.ID, Err: err}
	}
	return nil
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/iksnae/chat-harvest/internal"
)

// VSCodeAdapter reads and writes VS Code chat session storage: one
// directory per workspace hash under workspaceStorage, each holding a
// workspace.json and a chatSessions directory of .json / .jsonl files.
type VSCodeAdapter struct {
	baseDir string
}

// NewVSCodeAdapter creates an adapter rooted at baseDir (the User storage
// directory). An empty baseDir resolves the platform default.
func NewVSCodeAdapter(baseDir string) *VSCodeAdapter {
	if baseDir == "" {
		baseDir = defaultVSCodeUserDir()
	}
	return &VSCodeAdapter{baseDir: baseDir}
}

func defaultVSCodeUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "Code", "User")
		}
		return filepath.Join(home, "AppData", "Roaming", "Code", "User")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Code", "User")
	default:
		return filepath.Join(home, ".config", "Code", "User")
	}
}

// Tag implements Adapter.
func (a *VSCodeAdapter) Tag() string { return "vscode" }

// Available implements Adapter.
func (a *VSCodeAdapter) Available() bool {
	if a.baseDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(a.baseDir, "workspaceStorage"))
	return err == nil
}

// WorkspaceStorageDir returns the root of per-workspace storage.
func (a *VSCodeAdapter) WorkspaceStorageDir() string {
	return filepath.Join(a.baseDir, "workspaceStorage")
}

// ChatSessionsDir returns the chatSessions directory for a workspace hash.
func (a *VSCodeAdapter) ChatSessionsDir(hash string) string {
	return filepath.Join(a.WorkspaceStorageDir(), hash, "chatSessions")
}

// StateDBPath returns the per-workspace state database holding the
// provider's own session index.
func (a *VSCodeAdapter) StateDBPath(hash string) string {
	return filepath.Join(a.WorkspaceStorageDir(), hash, "state.vscdb")
}

// ListWorkspaces implements Adapter. Directories without workspace.json are
// skipped; an unreadable workspace.json yields a workspace with no project
// path rather than an error, matching how the editor itself degrades.
func (a *VSCodeAdapter) ListWorkspaces(ctx context.Context) ([]internal.Workspace, error) {
	storageDir := a.WorkspaceStorageDir()
	entries, err := os.ReadDir(storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace storage: %w", err)
	}

	var workspaces []internal.Workspace
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		hash := entry.Name()
		dir := filepath.Join(storageDir, hash)

		ws := internal.Workspace{
			Hash:        hash,
			Provider:    a.Tag(),
			StoragePath: dir,
		}
		if data, err := os.ReadFile(filepath.Join(dir, "workspace.json")); err == nil {
			var wsJSON struct {
				Folder string `json:"folder"`
			}
			if err := json.Unmarshal(data, &wsJSON); err == nil && wsJSON.Folder != "" {
				ws.ProjectPath = internal.DecodeFolderURI(wsJSON.Folder)
			}
		} else {
			continue
		}

		ws.SessionCount, ws.LastSeen = countSessionFiles(a.ChatSessionsDir(hash))
		workspaces = append(workspaces, ws)
	}
	return workspaces, nil
}

// countSessionFiles reports how many session files a chatSessions directory
// holds and the newest modification time among them.
func countSessionFiles(dir string) (int, time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, time.Time{}
	}
	count := 0
	var newest time.Time
	for _, entry := range entries {
		if entry.IsDir() || !isSessionFile(entry.Name()) {
			continue
		}
		count++
		if info, err := entry.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return count, newest
}

func isSessionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".json" || ext == ".jsonl"
}

// ListSessions implements Adapter.
func (a *VSCodeAdapter) ListSessions(ctx context.Context, ws internal.Workspace) ([]internal.SessionRef, error) {
	dir := a.ChatSessionsDir(ws.Hash)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chat sessions: %w", err)
	}

	var refs []internal.SessionRef
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isSessionFile(entry.Name()) {
			continue
		}
		ref := internal.SessionRef{
			ID:            strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			Provider:      a.Tag(),
			WorkspaceHash: ws.Hash,
			Path:          filepath.Join(dir, entry.Name()),
		}
		if info, err := entry.Info(); err == nil {
			ref.UpdatedAt = info.ModTime().UnixMilli()
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// ReadSession implements Adapter. The physical encoding is detected from
// content; both encodings normalize into the same canonical session. A
// truncated file returns the recoverable prefix with Partial set alongside
// a *internal.PartialReadError.
func (a *VSCodeAdapter) ReadSession(ctx context.Context, ref internal.SessionRef) (*internal.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	info := DetectFormat(content)
	var doc *nativeSession
	var parseErr error
	switch info.Format {
	case FormatEventLog:
		doc, parseErr = parseEventLog(ref.Path, content)
	default:
		doc, parseErr = parseLegacySession(ref.Path, content)
	}
	if doc == nil {
		return nil, parseErr
	}

	session := normalizeNative(doc, ref)
	session.Native = json.RawMessage(content)
	if parseErr != nil {
		session.Partial = true
	}
	if session.UpdatedAt == 0 {
		session.UpdatedAt = ref.UpdatedAt
	}
	return session, parseErr
}

// WriteSession implements Adapter. Output is always the whole-document
// form; the event log is an append-only read surface and is never rewritten
// in place. When the canonical content still matches the native document
// the original bytes are written verbatim, which keeps an unchanged
// pull/push cycle byte-identical.
func (a *VSCodeAdapter) WriteSession(ctx context.Context, ref internal.SessionRef, session *internal.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := ref.Path
	if path == "" {
		path = filepath.Join(a.ChatSessionsDir(ref.WorkspaceHash), session.ID+".json")
	}

	var out []byte
	if len(session.Native) > 0 && nativeMatchesCanonical(session) {
		out = session.Native
	} else {
		rendered, err := renderNative(session)
		if err != nil {
			return &internal.FormatError{Provider: a.Tag(), Path: path, Detail: "render native document", Err: err}
		}
		out = rendered
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// nativeMatchesCanonical reports whether re-normalizing the held native
// bytes yields the same content hash as the canonical session.
func nativeMatchesCanonical(session *internal.Session) bool {
	info := DetectFormat(session.Native)
	var doc *nativeSession
	var err error
	switch info.Format {
	case FormatEventLog:
		doc, err = parseEventLog("", []byte(session.Native))
	default:
		doc, err = parseLegacySession("", []byte(session.Native))
	}
	if doc == nil || err != nil {
		return false
	}
	ref := internal.SessionRef{ID: session.ID, WorkspaceHash: session.Workspace}
	return normalizeNative(doc, ref).ContentHash() == session.ContentHash()
}

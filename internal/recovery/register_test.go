package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/testutil"
)

func readStoredIndex(t *testing.T, dbPath string) sessionIndex {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var raw string
	if err := db.QueryRow(`SELECT value FROM ItemTable WHERE key = ?`, sessionIndexKey).Scan(&raw); err != nil {
		t.Fatalf("read stored index: %v", err)
	}
	var index sessionIndex
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		t.Fatalf("decode stored index: %v", err)
	}
	return index
}

func TestRegister(t *testing.T) {
	baseDir := testutil.CreateTempDir(t)
	wsDir := testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")
	testutil.WriteSessionFile(t, wsDir, "on-disk", testutil.SessionDoc{
		Version: 3, SessionID: "on-disk", CustomTitle: "present",
		LastMessageDate: 4000,
		Requests:        []testutil.RequestDoc{testutil.NewRequest("r1", 1000, "hello", "hi")},
	})

	stale := `{"version": 1, "entries": {"ghost": {"sessionId": "ghost", "title": "gone", ` +
		`"lastMessageDate": 1, "isImported": false, "initialLocation": "panel", "isEmpty": false}}}`
	dbPath := testutil.CreateStateDB(t, wsDir, stale)

	registrar := NewRegistrar(provider.NewVSCodeAdapter(baseDir), zerolog.Nop())
	res, err := registrar.Register(context.Background(), "ws-hash")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if res.Added != 1 {
		t.Errorf("Added = %d, want 1", res.Added)
	}
	if res.Removed != 1 {
		t.Errorf("Removed = %d, want 1", res.Removed)
	}
	if res.Backup == "" {
		t.Fatal("a backup path should be reported")
	}
	if _, err := os.Stat(res.Backup); err != nil {
		t.Errorf("backup file missing: %v", err)
	}

	index := readStoredIndex(t, dbPath)
	if index.Version != 1 {
		t.Errorf("Version = %d, want 1", index.Version)
	}
	if _, ok := index.Entries["ghost"]; ok {
		t.Error("stale entry should be dropped")
	}
	entry, ok := index.Entries["on-disk"]
	if !ok {
		t.Fatal("on-disk session should be indexed")
	}
	if entry.SessionID != "on-disk" || entry.Title != "present" {
		t.Errorf("entry = %+v", entry)
	}
	if !entry.IsImported {
		t.Error("registered entries are marked imported")
	}
	if entry.InitialLocation != "panel" {
		t.Errorf("InitialLocation = %q, want panel", entry.InitialLocation)
	}
	if entry.IsEmpty {
		t.Error("a session with messages is not empty")
	}
	if entry.LastMessageDate != 4000 {
		t.Errorf("LastMessageDate = %d, want 4000", entry.LastMessageDate)
	}
}

func TestRegisterNoOp(t *testing.T) {
	baseDir := testutil.CreateTempDir(t)
	wsDir := testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")
	testutil.WriteSessionFile(t, wsDir, "s1", testutil.SessionDoc{
		Version: 3, SessionID: "s1",
		Requests: []testutil.RequestDoc{testutil.NewRequest("r1", 1000, "hello", "hi")},
	})

	current := `{"version": 1, "entries": {"s1": {"sessionId": "s1", "title": "", ` +
		`"lastMessageDate": 1000, "isImported": false, "initialLocation": "panel", "isEmpty": false}}}`
	dbPath := testutil.CreateStateDB(t, wsDir, current)

	registrar := NewRegistrar(provider.NewVSCodeAdapter(baseDir), zerolog.Nop())
	res, err := registrar.Register(context.Background(), "ws-hash")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.Added != 0 || res.Removed != 0 {
		t.Errorf("result = %+v, want a no-op", res)
	}

	// The stored value is untouched on a no-op.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var raw string
	if err := db.QueryRow(`SELECT value FROM ItemTable WHERE key = ?`, sessionIndexKey).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != current {
		t.Error("no-op run must leave the index byte-identical")
	}
}

func TestRegisterEmptyIndex(t *testing.T) {
	baseDir := testutil.CreateTempDir(t)
	wsDir := testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")
	testutil.WriteSessionFile(t, wsDir, "s1", testutil.SessionDoc{
		Version: 3, SessionID: "s1",
		Requests: []testutil.RequestDoc{testutil.NewRequest("r1", 1000, "hello", "hi")},
	})
	dbPath := testutil.CreateStateDB(t, wsDir, "")

	registrar := NewRegistrar(provider.NewVSCodeAdapter(baseDir), zerolog.Nop())
	res, err := registrar.Register(context.Background(), "ws-hash")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.Added != 1 {
		t.Errorf("Added = %d, want 1", res.Added)
	}

	index := readStoredIndex(t, dbPath)
	if index.Version != 1 {
		t.Errorf("Version = %d, want the default 1", index.Version)
	}
}

func TestRegisterSkipsMalformed(t *testing.T) {
	baseDir := testutil.CreateTempDir(t)
	wsDir := testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")
	if err := os.WriteFile(filepath.Join(wsDir, "chatSessions", "bad.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	dbPath := testutil.CreateStateDB(t, wsDir, "")

	registrar := NewRegistrar(provider.NewVSCodeAdapter(baseDir), zerolog.Nop())
	res, err := registrar.Register(context.Background(), "ws-hash")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.Added != 0 {
		t.Errorf("Added = %d, malformed files must not be registered", res.Added)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var raw string
	err = db.QueryRow(`SELECT value FROM ItemTable WHERE key = ?`, sessionIndexKey).Scan(&raw)
	if err != sql.ErrNoRows {
		t.Errorf("no index row should be written, got err = %v", err)
	}
}

func TestRegisterMissingStateDB(t *testing.T) {
	baseDir := testutil.CreateTempDir(t)
	testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")

	registrar := NewRegistrar(provider.NewVSCodeAdapter(baseDir), zerolog.Nop())
	_, err := registrar.Register(context.Background(), "ws-hash")

	var resErr *internal.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("Register() error = %v, want *internal.ResolutionError", err)
	}
}

package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/internal/store"
	"github.com/iksnae/chat-harvest/testutil"
)

type syncFixture struct {
	baseDir string
	wsDir   string
	ws      internal.Workspace
	adapter *provider.VSCodeAdapter
	store   *store.Store
	engine  *Engine
}

func newSyncFixture(t *testing.T, opts Options) *syncFixture {
	t.Helper()
	baseDir := testutil.CreateTempDir(t)
	wsDir := testutil.CreateWorkspaceFixture(t, baseDir, "ws-hash", "/home/user/proj")

	adapter := provider.NewVSCodeAdapter(baseDir)
	registry, err := provider.NewRegistry(adapter)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(testutil.CreateTempDir(t), "harvest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return &syncFixture{
		baseDir: baseDir,
		wsDir:   wsDir,
		ws:      internal.Workspace{Hash: "ws-hash", Provider: "vscode", ProjectPath: "/home/user/proj"},
		adapter: adapter,
		store:   st,
		engine:  NewEngine(registry, st, internal.NewKeyedMutex(), opts, zerolog.Nop()),
	}
}

func (f *syncFixture) writeSession(t *testing.T, id string, requests ...testutil.RequestDoc) {
	t.Helper()
	testutil.WriteSessionFile(t, f.wsDir, id, testutil.SessionDoc{
		Version:      3,
		SessionID:    id,
		CreationDate: 1000,
		Requests:     requests,
	})
}

func TestPullWorkspace(t *testing.T) {
	f := newSyncFixture(t, Options{})
	f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))
	f.writeSession(t, "s2", testutil.NewRequest("r1", 2000, "other", "reply"))

	ctx := context.Background()
	res, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatalf("PullWorkspace() error = %v", err)
	}
	if res.Pulled != 2 {
		t.Errorf("Pulled = %d, want 2", res.Pulled)
	}

	got, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.Messages) != 2 {
		t.Fatalf("stored session = %+v", got)
	}

	// Unchanged provider files are skipped on the next pass.
	res, err = f.engine.PullWorkspace(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate != 2 || res.Pulled != 0 {
		t.Errorf("second pass = %+v, want 2 up to date", res)
	}
}

func TestPullSkipsMalformed(t *testing.T) {
	f := newSyncFixture(t, Options{})
	f.writeSession(t, "good", testutil.NewRequest("r1", 1000, "hello", "hi"))
	if err := os.WriteFile(filepath.Join(f.wsDir, "chatSessions", "bad.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.PullWorkspace(context.Background(), f.adapter, f.ws)
	if err != nil {
		t.Fatalf("PullWorkspace() error = %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", res.Pulled)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
}

func TestPullPartialPolicy(t *testing.T) {
	truncated := `{"version": 3, "sessionId": "torn", "creationDate": 1000, "requests": [` +
		`{"requestId": "r1", "timestamp": 1000, "message": {"text": "hello"}, "response": {"result": "hi"}},` +
		`{"requestId": "r2", "mess`

	t.Run("discarded by default", func(t *testing.T) {
		f := newSyncFixture(t, Options{})
		if err := os.WriteFile(filepath.Join(f.wsDir, "chatSessions", "torn.json"), []byte(truncated), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := f.engine.PullWorkspace(context.Background(), f.adapter, f.ws)
		if err != nil {
			t.Fatal(err)
		}
		if res.Skipped != 1 || res.Pulled != 0 {
			t.Errorf("result = %+v, want 1 skipped", res)
		}
	})

	t.Run("kept when configured", func(t *testing.T) {
		f := newSyncFixture(t, Options{KeepPartial: true})
		if err := os.WriteFile(filepath.Join(f.wsDir, "chatSessions", "torn.json"), []byte(truncated), 0o644); err != nil {
			t.Fatal(err)
		}

		ctx := context.Background()
		res, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws)
		if err != nil {
			t.Fatal(err)
		}
		if res.Partial != 1 || res.Pulled != 1 {
			t.Errorf("result = %+v, want 1 partial pulled", res)
		}

		got, err := f.store.GetSession(ctx, "torn")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || !got.Partial {
			t.Error("kept session should carry the partial flag")
		}
	})
}

func TestPushSession(t *testing.T) {
	f := newSyncFixture(t, Options{})
	ctx := context.Background()

	session := &internal.Session{
		ID:        "pushed",
		Title:     "written from store",
		Provider:  "vscode",
		Workspace: "ws-hash",
		CreatedAt: 1000,
		UpdatedAt: 2000,
		Messages: []internal.Message{
			{ID: "m1", Role: "user", Content: "hello", Timestamp: 1000},
			{ID: "m2", Role: "assistant", Content: "hi", Timestamp: 2000},
		},
	}
	session.Resequence()
	if err := f.store.PutSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.PushSession(ctx, "pushed"); err != nil {
		t.Fatalf("PushSession() error = %v", err)
	}

	path := filepath.Join(f.wsDir, "chatSessions", "pushed.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pushed session file missing: %v", err)
	}

	back, err := f.adapter.ReadSession(ctx, internal.SessionRef{ID: "pushed", WorkspaceHash: "ws-hash", Path: path})
	if err != nil {
		t.Fatalf("re-read of pushed file error = %v", err)
	}
	if len(back.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(back.Messages))
	}
	for i, msg := range session.Messages {
		if back.Messages[i].Role != msg.Role || back.Messages[i].Content != msg.Content {
			t.Errorf("Messages[%d] = %s %q, want %s %q", i,
				back.Messages[i].Role, back.Messages[i].Content, msg.Role, msg.Content)
		}
	}

	if err := f.engine.PushSession(ctx, "unknown"); err == nil {
		t.Error("pushing an unknown session should error")
	}
}

func TestBidirectionalConflict(t *testing.T) {
	f := newSyncFixture(t, Options{})
	ctx := context.Background()

	f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))
	if _, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws); err != nil {
		t.Fatal(err)
	}

	// Both sides diverge from the recorded baseline.
	f.writeSession(t, "s1",
		testutil.NewRequest("r1", 1000, "hello", "hi"),
		testutil.NewRequest("r2", 3000, "provider edit", "provider reply"))

	canonical, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	canonical.Messages = append(canonical.Messages, internal.Message{
		ID: "m9", Role: "user", Content: "store edit", Timestamp: 4000,
	})
	canonical.Resequence()
	if err := f.store.PutSession(ctx, canonical); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Bidirectional(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatalf("Bidirectional() error = %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("len(Conflicts) = %d, want 1", len(res.Conflicts))
	}
	conflict := res.Conflicts[0]
	if conflict.SessionID != "s1" {
		t.Errorf("SessionID = %s", conflict.SessionID)
	}
	if conflict.Local == nil || conflict.Remote == nil {
		t.Fatal("both versions should be attached")
	}

	// Neither side was overwritten.
	after, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if after.ContentHash() != canonical.ContentHash() {
		t.Error("canonical copy should be untouched after a conflict")
	}
	remote, err := f.adapter.ReadSession(ctx, internal.SessionRef{
		ID: "s1", WorkspaceHash: "ws-hash",
		Path: filepath.Join(f.wsDir, "chatSessions", "s1.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(remote.Messages) != 4 {
		t.Errorf("provider copy has %d messages, want its own 4", len(remote.Messages))
	}
}

func TestBidirectionalOneSidedChanges(t *testing.T) {
	f := newSyncFixture(t, Options{})
	ctx := context.Background()

	f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))
	if _, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws); err != nil {
		t.Fatal(err)
	}

	// Provider-only change pulls.
	f.writeSession(t, "s1",
		testutil.NewRequest("r1", 1000, "hello", "hi"),
		testutil.NewRequest("r2", 3000, "more", "sure"))
	res, err := f.engine.Bidirectional(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pulled != 1 || len(res.Conflicts) != 0 {
		t.Errorf("provider-only change: %+v", res)
	}
	got, err := f.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4 after pull", len(got.Messages))
	}

	// Store-only change pushes.
	got.Messages[0].Content = "hello, edited in store"
	if err := f.store.PutSession(ctx, got); err != nil {
		t.Fatal(err)
	}
	res, err = f.engine.Bidirectional(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 1 || len(res.Conflicts) != 0 {
		t.Errorf("store-only change: %+v", res)
	}
	remote, err := f.adapter.ReadSession(ctx, internal.SessionRef{
		ID: "s1", WorkspaceHash: "ws-hash",
		Path: filepath.Join(f.wsDir, "chatSessions", "s1.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if remote.Messages[0].Content != "hello, edited in store" {
		t.Errorf("provider copy content = %q", remote.Messages[0].Content)
	}

	// Settled state is a no-op.
	res, err = f.engine.Bidirectional(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate != 1 || res.Pulled != 0 || res.Pushed != 0 {
		t.Errorf("settled pass: %+v", res)
	}
}

func TestBidirectionalPushesUnseenSessions(t *testing.T) {
	f := newSyncFixture(t, Options{})
	ctx := context.Background()

	session := &internal.Session{
		ID:        "store-only",
		Provider:  "vscode",
		Workspace: "ws-hash",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		Messages:  []internal.Message{{ID: "m1", Role: "user", Content: "only in store", Timestamp: 1000}},
	}
	session.Resequence()
	if err := f.store.PutSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Bidirectional(ctx, f.adapter, f.ws)
	if err != nil {
		t.Fatalf("Bidirectional() error = %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}
	if _, err := os.Stat(filepath.Join(f.wsDir, "chatSessions", "store-only.json")); err != nil {
		t.Errorf("provider file should exist after push: %v", err)
	}
}

func TestHarvestAll(t *testing.T) {
	f := newSyncFixture(t, Options{})
	f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))

	res, err := f.engine.HarvestAll(context.Background())
	if err != nil {
		t.Fatalf("HarvestAll() error = %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", res.Pulled)
	}
}

func TestHasPrefixDir(t *testing.T) {
	if !hasPrefixDir("/a/b/c.json", "/a/b") {
		t.Error("child path should match")
	}
	if hasPrefixDir("/a/bc/d.json", "/a/b") {
		t.Error("sibling prefix should not match")
	}
	if hasPrefixDir("/a/b", "/a/b") {
		t.Error("the dir itself is not a child")
	}
}

func TestBidirectionalPartialPolicy(t *testing.T) {
	truncated := `{"version": 3, "sessionId": "s1", "creationDate": 1000, "requests": [` +
		`{"requestId": "r1", "timestamp": 1000, "message": {"text": "hello edited"}, "response": {"result": "hi"}},` +
		`{"requestId": "r2", "mess`

	t.Run("discarded by default", func(t *testing.T) {
		f := newSyncFixture(t, Options{})
		f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))
		ctx := context.Background()
		if _, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(filepath.Join(f.wsDir, "chatSessions", "s1.json"), []byte(truncated), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := f.engine.Bidirectional(ctx, f.adapter, f.ws)
		if err != nil {
			t.Fatalf("Bidirectional() error = %v", err)
		}
		if res.Skipped != 1 || res.Pulled != 0 {
			t.Errorf("result = %+v, want 1 skipped", res)
		}

		got, err := f.store.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.Partial {
			t.Fatal("stored copy should keep the last complete pull")
		}
		if got.Messages[0].Content != "hello" {
			t.Errorf("Content = %q, want the complete copy's %q", got.Messages[0].Content, "hello")
		}
	})

	t.Run("kept when configured", func(t *testing.T) {
		f := newSyncFixture(t, Options{KeepPartial: true})
		f.writeSession(t, "s1", testutil.NewRequest("r1", 1000, "hello", "hi"))
		ctx := context.Background()
		if _, err := f.engine.PullWorkspace(ctx, f.adapter, f.ws); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(filepath.Join(f.wsDir, "chatSessions", "s1.json"), []byte(truncated), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := f.engine.Bidirectional(ctx, f.adapter, f.ws)
		if err != nil {
			t.Fatal(err)
		}
		if res.Partial != 1 || res.Pulled != 1 {
			t.Errorf("result = %+v, want 1 partial pulled", res)
		}

		got, err := f.store.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || !got.Partial {
			t.Fatal("kept session should carry the partial flag")
		}
		if got.Messages[0].Content != "hello edited" {
			t.Errorf("Content = %q, want the recovered %q", got.Messages[0].Content, "hello edited")
		}
	})
}

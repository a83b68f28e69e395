package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/iksnae/chat-harvest/internal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "harvest.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSession() *internal.Session {
	s := &internal.Session{
		ID:        "s1",
		Title:     "fixing the build",
		Provider:  "vscode",
		Workspace: "abc123",
		CreatedAt: 1000,
		UpdatedAt: 2000,
		Native:    json.RawMessage(`{"sessionId": "s1"}`),
		Metadata: internal.Metadata{
			Model:           "gpt-4",
			TotalTokens:     321,
			FilesReferenced: []string{"main.go"},
		},
		Messages: []internal.Message{
			{ID: "m1", Role: "user", Content: "the build is broken", Timestamp: 1000},
			{ID: "m2", Role: "assistant", Content: "missing import in main.go", Timestamp: 2000,
				ToolCalls:  []internal.ToolCall{{Name: "read_file", Input: "main.go"}},
				References: []string{"main.go"}},
		},
	}
	s.Resequence()
	return s
}

func TestPutGetSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleSession()
	if err := st.PutSession(ctx, want); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetSession() = nil for a stored session")
	}
	if got.Title != want.Title {
		t.Errorf("Title = %q, want %q", got.Title, want.Title)
	}
	if got.Metadata.Model != "gpt-4" || got.Metadata.TotalTokens != 321 {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls = %+v", got.Messages[1].ToolCalls)
	}
	if got.ContentHash() != want.ContentHash() {
		t.Error("content should survive a store round trip")
	}
	if string(got.Native) != string(want.Native) {
		t.Error("native bytes should survive a store round trip")
	}
}

func TestGetSessionMissing(t *testing.T) {
	st := openTestStore(t)
	got, err := st.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetSession() = %+v, want nil for unknown id", got)
	}
}

func TestPutSessionReplacesMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s := sampleSession()
	if err := st.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	s.Messages = s.Messages[:1]
	s.Resequence()
	if err := st.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1 after shrink", len(got.Messages))
	}
}

func TestListSessionsFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := sampleSession()
	b := sampleSession()
	b.ID = "s2"
	b.Provider = "cursor"
	b.Workspace = "other"
	b.UpdatedAt = 9000
	b.Partial = true
	for _, s := range []*internal.Session{a, b} {
		if err := st.PutSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.ListSessions(ctx, "", "")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	// Newest first.
	if all[0].ID != "s2" {
		t.Errorf("all[0].ID = %s, want s2", all[0].ID)
	}
	if !all[0].Partial {
		t.Error("partial flag should surface in summaries")
	}

	byProvider, err := st.ListSessions(ctx, "vscode", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(byProvider) != 1 || byProvider[0].ID != "s1" {
		t.Errorf("provider filter = %+v", byProvider)
	}

	byWorkspace, err := st.ListSessions(ctx, "", "other")
	if err != nil {
		t.Fatal(err)
	}
	if len(byWorkspace) != 1 || byWorkspace[0].ID != "s2" {
		t.Errorf("workspace filter = %+v", byWorkspace)
	}
}

func TestSearch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := sampleSession()
	b := sampleSession()
	b.ID = "s2"
	b.Messages = []internal.Message{
		{Role: "user", Content: "how do goroutines leak", Timestamp: 100},
	}
	b.Resequence()
	for _, s := range []*internal.Session{a, b} {
		if err := st.PutSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := st.Search(ctx, "goroutines")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "s2" {
		t.Errorf("Search(goroutines) = %+v, want just s2", hits)
	}

	none, err := st.Search(ctx, "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("Search(nonexistent) = %+v, want none", none)
	}
}

func TestSearchDropsStaleContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s := sampleSession()
	s.Messages = []internal.Message{{Role: "user", Content: "talk about zebras", Timestamp: 1}}
	s.Resequence()
	if err := st.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	s.Messages = []internal.Message{{Role: "user", Content: "talk about llamas", Timestamp: 1}}
	s.Resequence()
	if err := st.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	stale, err := st.Search(ctx, "zebras")
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Error("replaced content should leave the search index")
	}
}

func TestWorkspaces(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ws := internal.Workspace{
		Hash:         "abc123",
		ProjectPath:  "/home/user/proj",
		Provider:     "vscode",
		Status:       internal.WorkspaceOrphaned,
		LastSeen:     time.UnixMilli(5000),
		SessionCount: 3,
	}
	if err := st.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpsertWorkspace() error = %v", err)
	}

	ws.Status = internal.WorkspaceActive
	if err := st.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatal(err)
	}

	got, err := st.ListWorkspaces(ctx, "vscode")
	if err != nil {
		t.Fatalf("ListWorkspaces() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(workspaces) = %d, want 1 after upsert", len(got))
	}
	if got[0].Status != internal.WorkspaceActive {
		t.Errorf("Status = %s, want active after update", got[0].Status)
	}
	if got[0].SessionCount != 3 {
		t.Errorf("SessionCount = %d, want 3", got[0].SessionCount)
	}

	other, err := st.ListWorkspaces(ctx, "cursor")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("provider filter returned %d rows, want 0", len(other))
	}
}

func TestCheckpoints(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s := sampleSession()
	cp, err := internal.NewCheckpoint(s, "crash")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	got, err := st.GetCheckpoint(ctx, "s1", "crash")
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetCheckpoint() = nil")
	}
	if got.ContentHash != cp.ContentHash {
		t.Errorf("ContentHash = %s, want %s", got.ContentHash, cp.ContentHash)
	}

	var restored internal.Session
	if err := json.Unmarshal(got.Snapshot, &restored); err != nil {
		t.Fatalf("snapshot should decode: %v", err)
	}
	if restored.ContentHash() != s.ContentHash() {
		t.Error("restored snapshot should match the checkpointed content")
	}

	missing, err := st.GetCheckpoint(ctx, "s1", "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("unknown label should return nil")
	}
}

func TestBaselines(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	none, err := st.Baseline(ctx, "s1")
	if err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}
	if none != nil {
		t.Error("missing baseline should be nil")
	}

	b := Baseline{
		SessionID:         "s1",
		Provider:          "vscode",
		ProviderUpdatedAt: 4000,
		StoreHash:         "deadbeef",
		NativeHash:        "cafe",
		SyncedAt:          time.UnixMilli(8000),
	}
	if err := st.SetBaseline(ctx, b); err != nil {
		t.Fatalf("SetBaseline() error = %v", err)
	}

	got, err := st.Baseline(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Baseline() = nil after SetBaseline")
	}
	if got.StoreHash != "deadbeef" || got.NativeHash != "cafe" {
		t.Errorf("baseline = %+v", got)
	}
	if got.SyncedAt.UnixMilli() != 8000 {
		t.Errorf("SyncedAt = %v", got.SyncedAt)
	}

	b.StoreHash = "feedface"
	if err := st.SetBaseline(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err = st.Baseline(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.StoreHash != "feedface" {
		t.Error("SetBaseline should replace the existing row")
	}
}

package internal

import (
	"errors"
	"testing"
	"time"
)

func TestResolveActiveAndOrphans(t *testing.T) {
	now := time.Now()
	workspaces := []Workspace{
		{Hash: "aaa", ProjectPath: "/home/user/myproject", Provider: "vscode", LastSeen: now},
		{Hash: "bbb", ProjectPath: "/home/user/old/myproject", Provider: "vscode", LastSeen: now.Add(-24 * time.Hour), SessionCount: 5},
		{Hash: "ccc", ProjectPath: "/backup/myproject", Provider: "vscode", LastSeen: now.Add(-48 * time.Hour), SessionCount: 9},
		{Hash: "ddd", ProjectPath: "/home/user/unrelated", Provider: "vscode", LastSeen: now},
	}

	res, err := NewResolver().Resolve("/home/user/myproject", workspaces)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Active == nil {
		t.Fatal("Resolve() should find an active workspace")
	}
	if res.Active.Hash != "aaa" {
		t.Errorf("Active.Hash = %s, want aaa", res.Active.Hash)
	}
	if res.Active.Status != WorkspaceActive {
		t.Errorf("Active.Status = %s, want %s", res.Active.Status, WorkspaceActive)
	}

	if len(res.Orphans) != 2 {
		t.Fatalf("len(Orphans) = %d, want 2", len(res.Orphans))
	}
	// bbb is more recent than ccc.
	if res.Orphans[0].Hash != "bbb" || res.Orphans[1].Hash != "ccc" {
		t.Errorf("orphan order = [%s %s], want [bbb ccc]", res.Orphans[0].Hash, res.Orphans[1].Hash)
	}
	for _, ws := range res.Orphans {
		if ws.Status != WorkspaceOrphaned {
			t.Errorf("orphan %s status = %s, want %s", ws.Hash, ws.Status, WorkspaceOrphaned)
		}
	}
}

func TestResolveDemotesElderHashes(t *testing.T) {
	now := time.Now()
	workspaces := []Workspace{
		{Hash: "old", ProjectPath: "/home/user/proj", LastSeen: now.Add(-time.Hour)},
		{Hash: "new", ProjectPath: "/home/user/proj", LastSeen: now},
	}

	res, err := NewResolver().Resolve("/home/user/proj", workspaces)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Active.Hash != "new" {
		t.Errorf("Active.Hash = %s, want new", res.Active.Hash)
	}
	if len(res.Orphans) != 1 || res.Orphans[0].Hash != "old" {
		t.Errorf("demoted elder hash should become an orphan, got %+v", res.Orphans)
	}
}

func TestResolveTrailingSlash(t *testing.T) {
	workspaces := []Workspace{
		{Hash: "aaa", ProjectPath: "/home/user/proj/"},
	}

	res, err := NewResolver().Resolve("/home/user/proj", workspaces)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Active == nil || res.Active.Hash != "aaa" {
		t.Error("trailing slash should not break path matching")
	}
}

func TestResolveNoMatch(t *testing.T) {
	workspaces := []Workspace{
		{Hash: "aaa", ProjectPath: "/home/user/other"},
	}

	_, err := NewResolver().Resolve("/home/user/proj", workspaces)
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("Resolve() error = %v, want *ResolutionError", err)
	}
}

func TestResolveEmptyPath(t *testing.T) {
	_, err := NewResolver().Resolve("", nil)
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("Resolve(\"\") error = %v, want *ResolutionError", err)
	}
}

func TestRankOrphans(t *testing.T) {
	now := time.Now()
	orphans := []Workspace{
		{Hash: "ccc", LastSeen: now.Add(-time.Hour), SessionCount: 2},
		{Hash: "bbb", LastSeen: now.Add(-time.Hour), SessionCount: 7},
		{Hash: "aaa", LastSeen: now, SessionCount: 1},
	}

	RankOrphans(orphans)

	want := []string{"aaa", "bbb", "ccc"}
	for i, w := range want {
		if orphans[i].Hash != w {
			t.Errorf("orphans[%d].Hash = %s, want %s", i, orphans[i].Hash, w)
		}
	}
}

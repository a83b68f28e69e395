package internal

import (
	"path/filepath"
	"sort"
	"strings"
)

// Resolution is the outcome of classifying provider workspaces against a
// project path.
type Resolution struct {
	ProjectPath string
	Active      *Workspace
	Orphans     []Workspace
}

// Resolver maps project paths to provider workspace identifiers. The
// workspaces it classifies come from provider adapters; the resolver itself
// never touches provider storage.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve classifies the given workspaces against projectPath. A workspace
// is active when its recorded project path normalizes to the same value as
// the current path. Any other workspace that shares project identity signals
// (the same final path fragment, case-insensitively) is orphaned. When more
// than one candidate matches the current path, the most recently seen one is
// active and the rest are demoted to orphans.
func (r *Resolver) Resolve(projectPath string, workspaces []Workspace) (*Resolution, error) {
	if projectPath == "" {
		return nil, &ResolutionError{Path: projectPath, Detail: "empty project path"}
	}

	target := NormalizePath(projectPath)
	name := strings.ToLower(filepath.Base(target))

	var current []Workspace
	var related []Workspace
	for _, ws := range workspaces {
		if ws.ProjectPath == "" {
			continue
		}
		if NormalizePath(ws.ProjectPath) == target {
			current = append(current, ws)
			continue
		}
		if strings.ToLower(filepath.Base(NormalizePath(ws.ProjectPath))) == name {
			related = append(related, ws)
		}
	}

	res := &Resolution{ProjectPath: projectPath}

	if len(current) > 0 {
		// Most recently active candidate wins; elder hashes for the same
		// path are themselves orphans of a previous storage generation.
		sort.Slice(current, func(i, j int) bool {
			if !current[i].LastSeen.Equal(current[j].LastSeen) {
				return current[i].LastSeen.After(current[j].LastSeen)
			}
			return current[i].Hash < current[j].Hash
		})
		active := current[0]
		active.Status = WorkspaceActive
		res.Active = &active
		related = append(related, current[1:]...)
	}

	for _, ws := range related {
		ws.Status = WorkspaceOrphaned
		res.Orphans = append(res.Orphans, ws)
	}
	RankOrphans(res.Orphans)

	if res.Active == nil && len(res.Orphans) == 0 {
		return nil, &ResolutionError{Path: projectPath, Detail: "no workspace matches this path"}
	}
	return res, nil
}

// RankOrphans orders orphaned workspaces by recovery priority: most recent
// activity first, then session count descending, then hash for determinism.
func RankOrphans(orphans []Workspace) {
	sort.Slice(orphans, func(i, j int) bool {
		a, b := orphans[i], orphans[j]
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		if a.SessionCount != b.SessionCount {
			return a.SessionCount > b.SessionCount
		}
		return a.Hash < b.Hash
	})
}

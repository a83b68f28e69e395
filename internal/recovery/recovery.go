// Package recovery finds sessions stranded in orphaned workspace hashes
// and repatriates them into the active workspace, both in the canonical
// store and in the provider's own session index.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/internal/store"
)

// ScanResult is the classification of provider workspaces for one project
// path, with per-workspace session counts.
type ScanResult struct {
	ProjectPath string               `json:"project_path"`
	Provider    string               `json:"provider"`
	Active      *internal.Workspace  `json:"active,omitempty"`
	Orphans     []internal.Workspace `json:"orphans,omitempty"`
}

// RecoverResult summarizes a repatriation run.
type RecoverResult struct {
	Recovered int `json:"recovered"`
	Merged    int `json:"merged"`
	Skipped   int `json:"skipped"`
}

// Detector classifies and repatriates orphaned workspaces. It reads
// provider storage through adapters only; source files are never modified
// by Scan or Recover.
type Detector struct {
	registry *provider.Registry
	store    *store.Store
	resolver *internal.Resolver
	merger   *internal.Merger
	locks    *internal.KeyedMutex
	log      zerolog.Logger
}

// NewDetector creates a Detector.
func NewDetector(registry *provider.Registry, st *store.Store, merger *internal.Merger, locks *internal.KeyedMutex, log zerolog.Logger) *Detector {
	return &Detector{
		registry: registry,
		store:    st,
		resolver: internal.NewResolver(),
		merger:   merger,
		locks:    locks,
		log:      log.With().Str("component", "recovery").Logger(),
	}
}

// Scan classifies one provider's workspaces against projectPath. The
// classification is also persisted to the store so later queries can see
// it without rescanning provider storage.
func (d *Detector) Scan(ctx context.Context, providerTag, projectPath string) (*ScanResult, error) {
	adapter, err := d.registry.Get(providerTag)
	if err != nil {
		return nil, err
	}
	workspaces, err := adapter.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	resolution, err := d.resolver.Resolve(projectPath, workspaces)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		ProjectPath: projectPath,
		Provider:    providerTag,
		Active:      resolution.Active,
		Orphans:     resolution.Orphans,
	}
	if result.Active != nil {
		if err := d.store.UpsertWorkspace(ctx, *result.Active); err != nil {
			return nil, err
		}
	}
	for _, orphan := range result.Orphans {
		if err := d.store.UpsertWorkspace(ctx, orphan); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Recover copies sessions from every orphaned workspace of projectPath
// into the active workspace's canonical representation. Source files are
// untouched. When the active workspace already holds a session with the
// same id, the copies are merged rather than overwritten.
func (d *Detector) Recover(ctx context.Context, providerTag, projectPath string) (*RecoverResult, error) {
	scan, err := d.Scan(ctx, providerTag, projectPath)
	if err != nil {
		return nil, err
	}
	if scan.Active == nil {
		return nil, &internal.ResolutionError{Path: projectPath, Detail: "no active workspace; open the project in the editor once"}
	}
	adapter, err := d.registry.Get(providerTag)
	if err != nil {
		return nil, err
	}

	d.locks.Lock(scan.Active.Hash, "recover")
	defer d.locks.Unlock(scan.Active.Hash)

	// Fragments per session id: the active workspace's copy first, then
	// every orphan's copy in recovery-priority order.
	fragments := make(map[string][]*internal.Session)
	var order []string

	collect := func(ws internal.Workspace) error {
		refs, err := adapter.ListSessions(ctx, ws)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return err
			}
			session, readErr := adapter.ReadSession(ctx, ref)
			if session == nil {
				var formatErr *internal.FormatError
				if errors.As(readErr, &formatErr) {
					d.log.Warn().Str("session", ref.ID).Err(readErr).Msg("skipping malformed session")
					continue
				}
				return readErr
			}
			if _, seen := fragments[session.ID]; !seen {
				order = append(order, session.ID)
			}
			fragments[session.ID] = append(fragments[session.ID], session)
		}
		return nil
	}

	if err := collect(*scan.Active); err != nil {
		return nil, err
	}
	for _, orphan := range scan.Orphans {
		if err := collect(orphan); err != nil {
			return nil, err
		}
	}

	result := &RecoverResult{}
	for _, id := range order {
		frags := fragments[id]
		var session *internal.Session
		if len(frags) == 1 {
			session = frags[0]
		} else {
			session = d.merger.Merge(frags...)
			result.Merged++
		}
		// Repatriate: the canonical copy belongs to the active hash no
		// matter which workspace the fragments came from.
		session.Workspace = scan.Active.Hash
		session.Resequence()
		if err := d.store.PutSession(ctx, session); err != nil {
			return result, err
		}
		result.Recovered++
	}

	return result, nil
}

// MergeHistory collapses the complete session history of projectPath
// (active and orphaned workspaces together) into one canonical session,
// stored alongside the originals.
func (d *Detector) MergeHistory(ctx context.Context, providerTag, projectPath, title string) (*internal.Session, error) {
	scan, err := d.Scan(ctx, providerTag, projectPath)
	if err != nil {
		return nil, err
	}
	if scan.Active == nil {
		return nil, &internal.ResolutionError{Path: projectPath, Detail: "no active workspace"}
	}
	adapter, err := d.registry.Get(providerTag)
	if err != nil {
		return nil, err
	}

	d.locks.Lock(scan.Active.Hash, "merge")
	defer d.locks.Unlock(scan.Active.Hash)

	var fragments []*internal.Session
	gather := func(ws internal.Workspace) error {
		refs, err := adapter.ListSessions(ctx, ws)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			session, readErr := adapter.ReadSession(ctx, ref)
			if session == nil {
				var formatErr *internal.FormatError
				if errors.As(readErr, &formatErr) {
					continue
				}
				return readErr
			}
			fragments = append(fragments, session)
		}
		return nil
	}
	if err := gather(*scan.Active); err != nil {
		return nil, err
	}
	for _, orphan := range scan.Orphans {
		if err := gather(orphan); err != nil {
			return nil, err
		}
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("no sessions found for %s", projectPath)
	}

	merged := d.merger.Merge(fragments...)
	// Deterministic identity per workspace, so rerunning the merge
	// replaces the previous merged session instead of piling up copies.
	merged.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("history:"+providerTag+":"+scan.Active.Hash)).String()
	merged.Workspace = scan.Active.Hash
	if title != "" {
		merged.Title = title
	}
	merged.Resequence()
	if err := d.store.PutSession(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

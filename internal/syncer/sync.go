// Package syncer reconciles the canonical store against provider-native
// stores: pull (provider wins on strictly newer content), push (store wins,
// native encoding preserved), and a bidirectional pass that surfaces
// conflicts instead of resolving them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
	"github.com/iksnae/chat-harvest/internal/store"
)

// Result summarizes one sync pass.
type Result struct {
	Pulled    int
	Pushed    int
	Skipped   int
	Partial   int
	UpToDate  int
	Conflicts []*internal.ConflictError
}

// Options tune sync behavior.
type Options struct {
	// KeepPartial keeps sessions recovered from truncated files,
	// flagged as partial, instead of discarding them.
	KeepPartial bool
}

// Engine runs sync passes. Operations touching the same workspace are
// serialized against each other (and against merges going through the same
// engine); disjoint workspaces proceed concurrently.
type Engine struct {
	registry *provider.Registry
	store    *store.Store
	locks    *internal.KeyedMutex
	opts     Options
	log      zerolog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(registry *provider.Registry, st *store.Store, locks *internal.KeyedMutex, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    st,
		locks:    locks,
		opts:     opts,
		log:      log.With().Str("component", "syncer").Logger(),
	}
}

// PullWorkspace imports every session of one provider workspace whose
// provider copy is strictly newer than the store's recorded baseline. A
// malformed session is logged, counted and skipped; it never aborts the
// pass. The context is honored between sessions, so a cancelled run keeps
// everything committed so far.
func (e *Engine) PullWorkspace(ctx context.Context, adapter provider.Adapter, ws internal.Workspace) (*Result, error) {
	e.locks.Lock(ws.Hash, "pull")
	defer e.locks.Unlock(ws.Hash)
	return e.pullLocked(ctx, adapter, ws)
}

func (e *Engine) pullLocked(ctx context.Context, adapter provider.Adapter, ws internal.Workspace) (*Result, error) {
	refs, err := adapter.ListSessions(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("list sessions in %s: %w", ws.Hash, err)
	}

	res := &Result{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.pullOne(ctx, adapter, ref, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) pullOne(ctx context.Context, adapter provider.Adapter, ref internal.SessionRef, res *Result) error {
	baseline, err := e.store.Baseline(ctx, ref.ID)
	if err != nil {
		return err
	}
	if baseline != nil && ref.UpdatedAt != 0 && ref.UpdatedAt <= baseline.ProviderUpdatedAt {
		res.UpToDate++
		return nil
	}

	session, readErr := adapter.ReadSession(ctx, ref)
	if session == nil {
		var formatErr *internal.FormatError
		if errors.As(readErr, &formatErr) {
			e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("skipping malformed session")
			res.Skipped++
			return nil
		}
		return readErr
	}
	if session.Partial {
		if !e.opts.KeepPartial {
			e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("discarding partial session")
			res.Skipped++
			return nil
		}
		e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("keeping partial session")
		res.Partial++
	}

	if err := e.store.PutSession(ctx, session); err != nil {
		return err
	}
	providerUpdated := ref.UpdatedAt
	if session.UpdatedAt > providerUpdated {
		providerUpdated = session.UpdatedAt
	}
	if err := e.store.SetBaseline(ctx, store.Baseline{
		SessionID:         session.ID,
		Provider:          adapter.Tag(),
		ProviderUpdatedAt: providerUpdated,
		StoreHash:         session.ContentHash(),
		NativeHash:        session.ContentHash(),
		SyncedAt:          time.Now().UTC(),
	}); err != nil {
		return err
	}
	res.Pulled++
	return nil
}

// PushSession serializes one canonical session back into the provider's
// native encoding.
func (e *Engine) PushSession(ctx context.Context, sessionID string) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s not in store", sessionID)
	}

	e.locks.Lock(session.Workspace, "push")
	defer e.locks.Unlock(session.Workspace)
	return e.pushLocked(ctx, session, internal.SessionRef{
		ID:            session.ID,
		Provider:      session.Provider,
		WorkspaceHash: session.Workspace,
	})
}

func (e *Engine) pushLocked(ctx context.Context, session *internal.Session, ref internal.SessionRef) error {
	adapter, err := e.registry.Get(session.Provider)
	if err != nil {
		return err
	}
	if err := adapter.WriteSession(ctx, ref, session); err != nil {
		return err
	}
	return e.store.SetBaseline(ctx, store.Baseline{
		SessionID:         session.ID,
		Provider:          session.Provider,
		ProviderUpdatedAt: session.UpdatedAt,
		StoreHash:         session.ContentHash(),
		NativeHash:        session.ContentHash(),
		SyncedAt:          time.Now().UTC(),
	})
}

// Bidirectional runs pull-then-push over one workspace. A session whose
// provider copy and canonical copy both changed since the recorded baseline
// is a conflict: both versions are attached to the result and neither side
// is overwritten.
func (e *Engine) Bidirectional(ctx context.Context, adapter provider.Adapter, ws internal.Workspace) (*Result, error) {
	e.locks.Lock(ws.Hash, "sync")
	defer e.locks.Unlock(ws.Hash)

	refs, err := adapter.ListSessions(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("list sessions in %s: %w", ws.Hash, err)
	}

	res := &Result{}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		seen[ref.ID] = true
		if err := e.reconcileOne(ctx, adapter, ref, res); err != nil {
			return res, err
		}
	}

	// Canonical sessions for this workspace that the provider has never
	// seen are pushed out.
	summaries, err := e.store.ListSessions(ctx, adapter.Tag(), ws.Hash)
	if err != nil {
		return res, err
	}
	for _, sum := range summaries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if seen[sum.ID] {
			continue
		}
		session, err := e.store.GetSession(ctx, sum.ID)
		if err != nil {
			return res, err
		}
		if session == nil {
			continue
		}
		ref := internal.SessionRef{ID: sum.ID, Provider: adapter.Tag(), WorkspaceHash: ws.Hash}
		if err := e.pushLocked(ctx, session, ref); err != nil {
			return res, err
		}
		res.Pushed++
	}
	return res, nil
}

func (e *Engine) reconcileOne(ctx context.Context, adapter provider.Adapter, ref internal.SessionRef, res *Result) error {
	baseline, err := e.store.Baseline(ctx, ref.ID)
	if err != nil {
		return err
	}
	canonical, err := e.store.GetSession(ctx, ref.ID)
	if err != nil {
		return err
	}

	if baseline == nil || canonical == nil {
		// Never synced before: plain pull.
		return e.pullOne(ctx, adapter, ref, res)
	}

	remote, readErr := adapter.ReadSession(ctx, ref)
	if remote == nil {
		var formatErr *internal.FormatError
		if errors.As(readErr, &formatErr) {
			e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("skipping malformed session")
			res.Skipped++
			return nil
		}
		return readErr
	}

	providerChanged := remote.ContentHash() != baseline.NativeHash
	storeChanged := canonical.ContentHash() != baseline.StoreHash

	switch {
	case providerChanged && storeChanged:
		conflict := &internal.ConflictError{SessionID: ref.ID, Local: canonical, Remote: remote}
		res.Conflicts = append(res.Conflicts, conflict)
		e.log.Warn().Str("session", ref.ID).Msg("sync conflict: both copies changed")
		return nil
	case providerChanged:
		if remote.Partial {
			if !e.opts.KeepPartial {
				e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("discarding partial session")
				res.Skipped++
				return nil
			}
			e.log.Warn().Str("session", ref.ID).Err(readErr).Msg("keeping partial session")
			res.Partial++
		}
		if err := e.store.PutSession(ctx, remote); err != nil {
			return err
		}
		res.Pulled++
	case storeChanged:
		if err := e.pushLocked(ctx, canonical, ref); err != nil {
			return err
		}
		res.Pushed++
		return nil
	default:
		res.UpToDate++
		return nil
	}

	providerUpdated := ref.UpdatedAt
	if remote.UpdatedAt > providerUpdated {
		providerUpdated = remote.UpdatedAt
	}
	return e.store.SetBaseline(ctx, store.Baseline{
		SessionID:         ref.ID,
		Provider:          adapter.Tag(),
		ProviderUpdatedAt: providerUpdated,
		StoreHash:         remote.ContentHash(),
		NativeHash:        remote.ContentHash(),
		SyncedAt:          time.Now().UTC(),
	})
}

// PullAll pulls every workspace of every available provider, one
// provider at a time. HarvestAll is the parallel variant. Cancellation
// stops between workspaces; committed workspaces stay committed.
func (e *Engine) PullAll(ctx context.Context) (*Result, error) {
	total := &Result{}
	for _, adapter := range e.registry.Available() {
		workspaces, err := adapter.ListWorkspaces(ctx)
		if err != nil {
			return total, err
		}
		for _, ws := range workspaces {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			res, err := e.PullWorkspace(ctx, adapter, ws)
			if res != nil {
				total.add(res)
			}
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (r *Result) add(other *Result) {
	r.Pulled += other.Pulled
	r.Pushed += other.Pushed
	r.Skipped += other.Skipped
	r.Partial += other.Partial
	r.UpToDate += other.UpToDate
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
}

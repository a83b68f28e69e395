package syncer

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
)

// WatchOptions tune the filesystem watcher.
type WatchOptions struct {
	// Debounce batches bursts of file events into one pull. Editors
	// rewrite session files many times per turn.
	Debounce time.Duration
}

// Watch runs incremental pulls whenever a provider's workspace storage
// changes, until ctx is cancelled. Events are debounced; each pull is the
// ordinary per-workspace pull, so everything committed before cancellation
// stays committed.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	type target struct {
		adapter provider.Adapter
		ws      internal.Workspace
	}
	targets := make(map[string]target)

	for _, adapter := range e.registry.Available() {
		workspaces, err := adapter.ListWorkspaces(ctx)
		if err != nil {
			return err
		}
		for _, ws := range workspaces {
			if ws.StoragePath == "" {
				continue
			}
			if err := watcher.Add(ws.StoragePath); err != nil {
				e.log.Debug().Str("path", ws.StoragePath).Err(err).Msg("cannot watch workspace dir")
				continue
			}
			targets[ws.StoragePath] = target{adapter: adapter, ws: ws}
		}
	}

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			t, ok := targets[path]
			if !ok {
				continue
			}
			res, err := e.PullWorkspace(ctx, t.adapter, t.ws)
			if err != nil && ctx.Err() == nil {
				e.log.Error().Str("workspace", t.ws.Hash).Err(err).Msg("incremental pull failed")
				continue
			}
			if res != nil && res.Pulled > 0 {
				e.log.Info().Str("workspace", t.ws.Hash).Int("pulled", res.Pulled).Msg("incremental pull")
			}
		}
		pending = make(map[string]bool)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			for path := range targets {
				if event.Name == path || hasPrefixDir(event.Name, path) {
					pending[path] = true
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.Warn().Err(err).Msg("watch error")
		case <-timerC:
			timerC = nil
			flush()
		}
	}
}

func hasPrefixDir(path, dir string) bool {
	return len(path) > len(dir) && path[:len(dir)] == dir &&
		(path[len(dir)] == '/' || path[len(dir)] == '\\')
}

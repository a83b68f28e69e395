package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/iksnae/chat-harvest/internal"
	"github.com/iksnae/chat-harvest/internal/provider"
)

// HarvestAll pulls every workspace of every available provider, one
// goroutine per provider. Adapters share no mutable state, and writes
// serialize at the store boundary, so the fan-out needs no coordination
// beyond collecting results. Cancellation stops each provider between
// workspaces; workspaces already committed stay committed.
func (e *Engine) HarvestAll(ctx context.Context) (*Result, error) {
	adapters := e.registry.Available()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total = &Result{}
		errs  []error
	)
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter provider.Adapter) {
			defer wg.Done()
			res, err := e.harvestProvider(ctx, adapter)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				total.add(res)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(adapter)
	}
	wg.Wait()

	if len(errs) > 0 {
		return total, errs[0]
	}
	return total, nil
}

func (e *Engine) harvestProvider(ctx context.Context, adapter provider.Adapter) (*Result, error) {
	workspaces, err := adapter.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	total := &Result{}
	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := e.PullWorkspace(ctx, adapter, ws)
		if res != nil {
			total.add(res)
		}
		if err != nil {
			var formatErr *internal.FormatError
			if errors.As(err, &formatErr) {
				e.log.Warn().Str("workspace", ws.Hash).Err(err).Msg("skipping workspace")
				continue
			}
			return total, err
		}
	}
	return total, nil
}

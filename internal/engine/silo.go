package engine

import (
	"context"
	"errors"

	"github.com/danieljhkim/metahybrid/internal/granary"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// CreateSilo snapshots the covered locations. An empty reason makes an
// automatic silo.
func (e *Engine) CreateSilo(ctx context.Context, reason, label string) (*granary.Silo, error) {
	return e.granary.Create(ctx, reason, label)
}

// ListSilos returns silos newest first.
func (e *Engine) ListSilos() ([]granary.Silo, error) {
	return e.granary.List()
}

// RestoreSilo restores a silo. It holds the instance lock so it never runs
// alongside a mount pass. A partial failure is recorded in the runtime
// state until the next successful restore.
func (e *Engine) RestoreSilo(ctx context.Context, id string) error {
	lock, err := acquireLock(e.paths.Lock)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	e.mu.Lock()
	defer e.mu.Unlock()

	restoreErr := e.granary.Restore(ctx, id)

	st, err := e.stateStore.LoadRuntime()
	if err != nil {
		return err
	}
	switch {
	case restoreErr == nil:
		st.RestoreFailure = nil
	case errors.Is(restoreErr, granary.ErrIncomplete):
		st.RestoreFailure = &state.RestoreFailure{Silo: id, Error: restoreErr.Error(), At: e.clock.Now().UTC()}
	default:
		return restoreErr
	}
	if err := e.stateStore.SaveRuntime(st); err != nil {
		e.log.Error().Err(err).Msg("failed to record restore outcome")
	}
	return restoreErr
}

// DeleteSilo removes a silo. Deleting an unknown id succeeds.
func (e *Engine) DeleteSilo(id string) error {
	return e.granary.Delete(id)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danieljhkim/metahybrid/internal/granary"
	"github.com/danieljhkim/metahybrid/internal/hymo"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/mount"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/state"
	"github.com/danieljhkim/metahybrid/internal/storage"
)

// MountRequest represents a request to run a mount pass.
type MountRequest struct {
	// DryRun builds and returns the plan without mounting anything
	DryRun bool

	// Resync recopies every module into the staging area
	Resync bool
}

// MountResult represents the outcome of a mount pass.
type MountResult struct {
	// Plan is the plan the pass executed
	Plan *planner.MountPlan `json:"-"`

	// Mount is the orchestrator's report; nil for a dry run
	Mount *mount.Result `json:"mount,omitempty"`

	// Failures lists per-module failures in display form
	Failures []string `json:"failures"`

	// Silo is the automatic boot snapshot, when one was taken
	Silo *granary.Silo `json:"silo,omitempty"`

	// StorageMode is where layers were mounted from
	StorageMode string `json:"storage_mode,omitempty"`

	// Storage reports the staging sync; nil in direct mode
	Storage *storage.SyncResult `json:"storage,omitempty"`

	// HymoVersion is the config version pushed during the pass, 0 if none
	HymoVersion uint64 `json:"hymo_version,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Mount runs one full pass: scan, plan, mount, persist state, push Hymo
// rules and write metrics. The pass fails with ErrLocked when another
// instance is running and with ErrPassFailed when every planned module
// failed.
func (e *Engine) Mount(ctx context.Context, req *MountRequest) (*MountResult, error) {
	if req == nil {
		req = &MountRequest{}
	}
	start := e.clock.Now()

	var lock *instanceLock
	if !req.DryRun {
		var err error
		lock, err = acquireLock(e.paths.Lock)
		if err != nil {
			return nil, err
		}
		defer func() { _ = lock.release() }()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scan, err := e.registry.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan modules: %w", err)
	}
	e.metrics.ObserveScan(scan)

	active := scan.Active()
	result := &MountResult{Failures: []string{}}
	var st *state.RuntimeState
	if !req.DryRun {
		if e.cfg.GranaryAuto {
			silo, err := e.granary.Create(ctx, "boot", "")
			if err != nil {
				e.log.Warn().Err(err).Msg("automatic boot silo failed")
			} else {
				result.Silo = silo
			}
		}
		st, err = e.stateStore.LoadRuntime()
		if err != nil {
			return nil, err
		}
		active, result.Storage = e.stage(ctx, active, st, req.Resync)
		result.StorageMode = st.StorageMode
	}

	targets := planner.ResolveTargets(e.sys, e.cfg.AllPartitions())
	plan := planner.Build(active, e.ruleSet(active), targets, e.cfg.Priority)
	e.log.Info().Int("modules", len(plan.Modules())).Int("partitions", len(plan.Partitions)).
		Msg("mount plan built")
	e.log.Debug().Msg("mount plan:\n" + plan.String())

	result.Plan = plan
	if req.DryRun {
		result.Duration = e.clock.Now().Sub(start)
		return result, nil
	}

	res, mountErr := e.orchestrator.Mount(ctx, plan, st)
	if res != nil {
		result.Mount = res
		for _, f := range res.Failures {
			result.Failures = append(result.Failures, f.Error())
		}
	}
	st.UpdatedAt = e.clock.Now().UTC()
	if err := e.stateStore.SaveRuntime(st); err != nil {
		return result, fmt.Errorf("failed to save runtime state: %w", err)
	}

	if mountErr == nil {
		result.HymoVersion = e.pushHymo(ctx)
	}

	ok := mountErr == nil && !allFailed(plan, res)
	result.Duration = e.clock.Now().Sub(start)
	e.observe(ctx, res, result.Duration, ok)

	switch {
	case mountErr != nil:
		return result, fmt.Errorf("%w: %w", ErrPassFailed, mountErr)
	case !ok:
		return result, fmt.Errorf("%w: all %d modules failed", ErrPassFailed, len(plan.Modules()))
	}
	e.log.Info().Int("overlay", len(res.OverlayModules)).Int("magic", len(res.MagicModules)).
		Int("failures", len(res.Failures)).Dur("took", result.Duration).Msg("mount pass complete")
	return result, nil
}

// stage copies active into the staging area and points each staged module
// at its copy. Without a staging area, or when it cannot be prepared,
// modules keep their own directories.
func (e *Engine) stage(ctx context.Context, active []modules.Module, st *state.RuntimeState, resync bool) ([]modules.Module, *storage.SyncResult) {
	h, err := e.storage.Setup(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("staging area unavailable, mounting from module directory")
	}
	if h == nil {
		st.StorageMode = storage.ModeDirect
		return active, nil
	}

	force := resync || st.StorageMode != h.Mode
	res, err := e.storage.Sync(ctx, h, active, force)
	if err != nil {
		e.log.Warn().Err(err).Msg("staging sync failed, mounting from module directory")
		st.StorageMode = storage.ModeDirect
		return active, nil
	}
	st.StorageMode = h.Mode

	staged := make([]modules.Module, len(active))
	for i, m := range active {
		if res.Staged(m.ID) {
			m.Path = h.ModuleDir(m.ID)
		}
		staged[i] = m
	}
	e.log.Info().Str("mode", h.Mode).Int("synced", len(res.Synced)).Int("unchanged", len(res.Unchanged)).
		Int("pruned", len(res.Pruned)).Int("failed", len(res.Failed)).Msg("modules staged")
	return staged, res
}

// allFailed reports whether the plan had modules and none of them mounted.
func allFailed(plan *planner.MountPlan, res *mount.Result) bool {
	ids := plan.Modules()
	if len(ids) == 0 || res == nil {
		return false
	}
	for _, id := range ids {
		if res.IsMounted(id) {
			return false
		}
	}
	return true
}

// pushHymo compiles and pushes the Hymo rules file. Failures are logged and
// never fail the pass.
func (e *Engine) pushHymo(ctx context.Context) uint64 {
	capability, err := e.hymo.Negotiate(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("hymo negotiation failed")
		return 0
	}
	if !capability.Available {
		e.log.Info().Msg("hymo enforcer not present, skipping rule push")
		return 0
	}
	e.log.Info().Int("protocol", capability.ProtocolVersion).Msg("hymo enforcer negotiated")

	rs, err := e.compileHymo()
	if err != nil {
		e.log.Warn().Err(err).Msg("hymo rules invalid, nothing pushed")
		return 0
	}
	if rs.Empty() {
		return 0
	}
	version, err := e.hymo.Push(ctx, rs)
	var unsupported *hymo.UnsupportedProtocolError
	switch {
	case errors.As(err, &unsupported):
		e.log.Warn().Int("required", unsupported.Required).Int("supported", unsupported.Supported).
			Msg("hymo rules need a newer enforcer")
		return 0
	case err != nil:
		e.log.Warn().Err(err).Msg("hymo push failed")
		return 0
	}
	return version
}

// Unmount unwinds every journalled mount, newest first per partition.
func (e *Engine) Unmount(ctx context.Context) (*mount.UnmountResult, error) {
	lock, err := acquireLock(e.paths.Lock)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.release() }()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.stateStore.LoadRuntime()
	if err != nil {
		return nil, err
	}
	res, unmountErr := e.orchestrator.Unmount(ctx, st)
	st.UpdatedAt = e.clock.Now().UTC()
	if err := e.stateStore.SaveRuntime(st); err != nil {
		return res, fmt.Errorf("failed to save runtime state: %w", err)
	}
	if unmountErr != nil {
		return res, unmountErr
	}
	if len(res.Errors) > 0 {
		return res, fmt.Errorf("%w: %w", ErrUnmountIncomplete, errors.Join(res.Errors...))
	}
	if err := e.storage.Release(ctx); err != nil {
		e.log.Warn().Err(err).Msg("failed to release staging area")
	}
	e.log.Info().Int("unmounted", res.Unmounted).Msg("unmount complete")
	return res, nil
}

// observe records pass metrics and writes the textfile when configured.
func (e *Engine) observe(ctx context.Context, res *mount.Result, took time.Duration, ok bool) {
	e.metrics.ObservePass(res, took, ok, e.clock.Now())
	if u, err := e.usage(e.cfg.StoragePath); err == nil {
		e.metrics.ObserveStorage(u)
	}
	if silos, err := e.granary.List(); err == nil {
		e.metrics.ObserveSilos(silos)
	}
	if st, err := e.hymo.Status(ctx); err == nil {
		e.metrics.ObserveHymo(st.Available, st.ConfigVersion)
	}
	if e.cfg.MetricsFile == "" {
		return
	}
	if err := e.metrics.WriteFile(e.cfg.MetricsFile); err != nil {
		e.log.Warn().Err(err).Str("path", e.cfg.MetricsFile).Msg("failed to write metrics")
	}
}

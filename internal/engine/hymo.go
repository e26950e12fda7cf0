package engine

import (
	"context"
	"time"

	"github.com/danieljhkim/metahybrid/internal/hymo"
)

// compileHymo loads and compiles the configured rules file.
func (e *Engine) compileHymo() (*hymo.RuleSet, error) {
	spec, err := hymo.LoadSpec(e.fs, e.cfg.HymoRules)
	if err != nil {
		return nil, err
	}
	return hymo.Compile(spec)
}

// HymoStatus reports enforcer availability, versions and toggles.
func (e *Engine) HymoStatus(ctx context.Context) (*hymo.Status, error) {
	return e.hymo.Status(ctx)
}

// HymoRules compiles the rules file without pushing it.
func (e *Engine) HymoRules() (*hymo.RuleSet, error) {
	return e.compileHymo()
}

// PushHymo compiles the rules file and pushes it. It returns the config
// version the enforcer acknowledged.
func (e *Engine) PushHymo(ctx context.Context) (uint64, error) {
	rs, err := e.compileHymo()
	if err != nil {
		return 0, err
	}
	return e.hymo.Push(ctx, rs)
}

// SetStealth toggles Hymo stealth mode.
func (e *Engine) SetStealth(ctx context.Context, on bool) error {
	return e.hymo.SetStealth(ctx, on)
}

// SetHymoDebug toggles enforcer debug logging.
func (e *Engine) SetHymoDebug(ctx context.Context, on bool) error {
	return e.hymo.SetDebug(ctx, on)
}

// WatchHymo pushes the rules file every time it changes until ctx is done.
// Push failures are logged and watching continues.
func (e *Engine) WatchHymo(ctx context.Context, debounce time.Duration, onPush func(version uint64, err error)) error {
	return hymo.Watch(ctx, e.cfg.HymoRules, debounce, func() {
		version, err := e.PushHymo(ctx)
		if err != nil {
			e.log.Warn().Err(err).Str("path", e.cfg.HymoRules).Msg("hymo rules changed but push failed")
		}
		if onPush != nil {
			onPush(version, err)
		}
	})
}

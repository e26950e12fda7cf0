package engine

import (
	"context"

	"github.com/danieljhkim/metahybrid/internal/diagnostics"
)

// Diagnose runs every health check and returns the issues, most severe
// first. Only a failure to read the runtime state is an error; any other
// subsystem that cannot be queried becomes an issue itself.
func (e *Engine) Diagnose(ctx context.Context) ([]diagnostics.Issue, error) {
	st, err := e.stateStore.LoadRuntime()
	if err != nil {
		return nil, err
	}
	in := diagnostics.Input{Runtime: st}

	in.Storage, in.StorageErr = e.usage(e.cfg.StoragePath)

	if scan, err := e.registry.Scan(); err == nil {
		in.Scan = scan
		if report, err := e.Conflicts(); err == nil {
			in.Conflicts = report.Conflicts
		}
	} else {
		e.log.Warn().Err(err).Msg("module scan failed during diagnosis")
	}

	in.Hymo, in.HymoErr = e.hymo.Status(ctx)

	return diagnostics.Check(in), nil
}

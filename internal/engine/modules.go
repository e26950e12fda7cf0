package engine

import (
	"fmt"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// Scan lists installed modules in id order, with is_mounted filled from
// the journal records still present in the mount table.
func (e *Engine) Scan() (*modules.ScanResult, error) {
	res, err := e.registry.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan modules: %w", err)
	}
	st, err := e.stateStore.LoadRuntime()
	if err != nil {
		return nil, err
	}
	live, err := e.orchestrator.Live(st)
	if err != nil {
		return nil, err
	}
	res.MarkMounted(live)
	return res, nil
}

// ConflictReport is the Winnowing report over the active modules.
type ConflictReport struct {
	Conflicts []planner.ConflictEntry `json:"conflicts"`

	// Skipped counts entries that could not be inspected
	Skipped int `json:"skipped"`
}

// Conflicts reports every path contributed by more than one active module.
// It never mutates anything.
func (e *Engine) Conflicts() (*ConflictReport, error) {
	scan, err := e.registry.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan modules: %w", err)
	}
	active := scan.Active()
	entries, skipped := planner.Winnow(e.fs, active, e.ruleSet(active), e.cfg.AllPartitions(),
		planner.AnalyzeOptions{OverlayInfo: e.cfg.ConflictOverlayInfo})
	if entries == nil {
		entries = []planner.ConflictEntry{}
	}
	e.metrics.ObserveConflicts(entries)
	return &ConflictReport{Conflicts: entries, Skipped: skipped}, nil
}

// Storage reports usage of the backing storage.
func (e *Engine) Storage() (*fsops.Usage, error) {
	return e.usage(e.cfg.StoragePath)
}

// Rules returns the stored rules for a module, or the defaults.
func (e *Engine) Rules(id string) (*rules.ModuleRules, error) {
	return e.ruleStore.Load(id)
}

// SaveRules validates a JSON rules body and stores it for module id.
// Nothing is written when the body is invalid.
func (e *Engine) SaveRules(id string, body []byte) (*rules.ModuleRules, error) {
	if err := rules.ValidateModuleID(id); err != nil {
		return nil, err
	}
	r, err := rules.Decode(body)
	if err != nil {
		return nil, err
	}
	if err := e.ruleStore.Save(id, r); err != nil {
		return nil, err
	}
	e.log.Info().Str("module", id).Str("default_mode", r.DefaultMode.String()).Int("paths", len(r.Paths)).
		Msg("rules saved")
	return e.ruleStore.Load(id)
}

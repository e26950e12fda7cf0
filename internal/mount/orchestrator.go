package mount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/planner"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// errAlreadyMounted marks a layer that the journal shows in place.
var errAlreadyMounted = errors.New("already mounted")

// Options configure an Orchestrator.
type Options struct {
	// WorkDir holds overlay upper/work directories and mirror staging
	WorkDir string

	// Source is the device name shown for overlay and tmpfs mounts
	Source string
}

// Orchestrator executes mount plans.
type Orchestrator struct {
	mu      sync.Mutex
	mounter Mounter
	fs      fsops.FS
	workDir string
	source  string
	log     zerolog.Logger
	table   *Table
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(m Mounter, fs fsops.FS, opts Options) *Orchestrator {
	source := opts.Source
	if source == "" {
		source = "KSU"
	}
	return &Orchestrator{
		mounter: m,
		fs:      fs,
		workDir: opts.WorkDir,
		source:  source,
		log:     logging.Get("mount"),
	}
}

// Result summarizes one mount pass.
type Result struct {
	// OverlayModules and MagicModules list modules by the strategy they
	// ended up using in at least one partition
	OverlayModules []string `json:"overlay_modules"`
	MagicModules   []string `json:"magic_modules"`

	// Partitions lists the partitions the pass touched
	Partitions []string `json:"partitions"`

	// Mounted counts layers attached by this pass
	Mounted int `json:"mounted"`

	// AlreadyMounted counts layers found in place
	AlreadyMounted int `json:"already_mounted"`

	// Fallbacks counts overlay layers that fell back to magic
	Fallbacks int `json:"fallbacks"`

	// StaleRecords counts journal records dropped because their mount
	// had disappeared
	StaleRecords int `json:"stale_records"`

	// SkippedNames counts module entries with non-UTF-8 names
	SkippedNames int `json:"skipped_names"`

	Failures []Failure `json:"-"`
}

// IsMounted reports whether module attached in this pass or was already
// in place.
func (r *Result) IsMounted(module string) bool {
	for _, ids := range [][]string{r.OverlayModules, r.MagicModules} {
		i := sort.SearchStrings(ids, module)
		if i < len(ids) && ids[i] == module {
			return true
		}
	}
	return false
}

type partitionResult struct {
	overlay   map[string]bool
	magic     map[string]bool
	mounted   int
	already   int
	fallbacks int
	skipped   int
	failures  []Failure
}

// Mount executes plan and records every mount in st's journal. Layers the
// journal already shows in place are skipped, so repeating a pass is a
// no-op. A failing module is unwound and reported in Result.Failures
// without stopping the others. The error is non-nil only when the mount
// table cannot be read or ctx is cancelled; on cancellation the
// partitions in flight are unwound.
func (o *Orchestrator) Mount(ctx context.Context, plan *planner.MountPlan, st *state.RuntimeState) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos, err := o.mounter.MountPoints()
	if err != nil {
		return nil, fmt.Errorf("%w: read mount table: %v", ErrMount, err)
	}
	o.table = NewTable(infos)
	j := newJournal(st)

	res := &Result{StaleRecords: j.reconcile(o.table)}
	if res.StaleRecords > 0 {
		o.log.Warn().Int("records", res.StaleRecords).Msg("dropped stale journal records")
	}

	// Nested targets mount in order within a chain; chains run in parallel.
	results := make([]partitionResult, len(plan.Partitions))
	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range plan.Chains() {
		g.Go(func() error {
			for _, i := range chain {
				r, err := o.mountPartition(gctx, plan.Partitions[i], j)
				results[i] = r
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	waitErr := g.Wait()

	overlay, magic := map[string]bool{}, map[string]bool{}
	for i, r := range results {
		res.Partitions = append(res.Partitions, plan.Partitions[i].Name)
		res.Mounted += r.mounted
		res.AlreadyMounted += r.already
		res.Fallbacks += r.fallbacks
		res.SkippedNames += r.skipped
		res.Failures = append(res.Failures, r.failures...)
		for id := range r.overlay {
			overlay[id] = true
		}
		for id := range r.magic {
			magic[id] = true
		}
	}
	res.OverlayModules = sortedKeys(overlay)
	res.MagicModules = sortedKeys(magic)

	st.OverlayModules = res.OverlayModules
	st.MagicModules = res.MagicModules
	st.Partitions = append([]string{}, res.Partitions...)
	st.Failures = make([]state.FailureRecord, 0, len(res.Failures))
	for _, f := range res.Failures {
		st.Failures = append(st.Failures, state.FailureRecord{
			Module:    f.Module,
			Partition: f.Partition,
			Path:      f.Path,
			Error:     f.Err.Error(),
		})
	}

	if waitErr != nil {
		return res, waitErr
	}
	return res, nil
}

func (o *Orchestrator) mountPartition(ctx context.Context, pp planner.PartitionPlan, j *journal) (partitionResult, error) {
	r := partitionResult{overlay: map[string]bool{}, magic: map[string]bool{}}
	log := o.log.With().Str("partition", pp.Name).Logger()
	start := j.nextSeq()

	for _, layer := range pp.Layers {
		if err := ctx.Err(); err != nil {
			errs := unwind(o.mounter, j, j.since(pp.Name, start), log)
			log.Warn().Int("unmount_errors", len(errs)).Msg("pass cancelled, unwound partition")
			r.overlay, r.magic = map[string]bool{}, map[string]bool{}
			r.mounted = 0
			return r, err
		}
		o.mountLayer(pp, layer, j, &r, log)
	}
	return r, nil
}

func (o *Orchestrator) mountLayer(pp planner.PartitionPlan, layer planner.Layer, j *journal, r *partitionResult, log zerolog.Logger) {
	from := j.nextSeq()
	used := layer.Strategy

	var err error
	if used == planner.StrategyOverlay {
		err = o.mountOverlay(pp, layer, j)
		if errors.Is(err, ErrOverlayUnsupported) {
			log.Warn().Err(err).Str("module", layer.Module).Msg("overlay refused, falling back to magic mount")
			r.fallbacks++
			used = planner.StrategyMagic
		}
	}
	if used == planner.StrategyMagic {
		var skipped int
		skipped, err = o.mountMagic(pp, layer, j)
		r.skipped += skipped
	}

	switch {
	case errors.Is(err, errAlreadyMounted):
		r.already++
	case err != nil:
		if errs := unwind(o.mounter, j, j.since(pp.Name, from), log); len(errs) > 0 {
			log.Error().Errs("errors", errs).Str("module", layer.Module).Msg("could not fully unwind failed module")
		}
		log.Error().Err(err).Str("module", layer.Module).Msg("module mount failed")
		r.failures = append(r.failures, Failure{
			Module:    layer.Module,
			Partition: pp.Name,
			Path:      failurePath(err),
			Err:       err,
		})
		return
	default:
		r.mounted++
	}
	if used == planner.StrategyOverlay {
		r.overlay[layer.Module] = true
	} else {
		r.magic[layer.Module] = true
	}
}

// UnmountResult summarizes an unmount pass.
type UnmountResult struct {
	Unmounted int `json:"unmounted"`

	// StaleRecords counts journal records dropped because their mount
	// had already disappeared
	StaleRecords int `json:"stale_records"`

	Errors []error `json:"-"`
}

// Unmount removes every journalled mount, newest first within each
// partition. Records whose mount is already gone are dropped first, so a
// stale journal never detaches what lies underneath. Records that fail to
// unmount stay in the journal.
func (o *Orchestrator) Unmount(ctx context.Context, st *state.RuntimeState) (*UnmountResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos, err := o.mounter.MountPoints()
	if err != nil {
		return nil, fmt.Errorf("%w: read mount table: %v", ErrMount, err)
	}
	j := newJournal(st)
	res := &UnmountResult{StaleRecords: j.reconcile(NewTable(infos))}
	if res.StaleRecords > 0 {
		o.log.Warn().Int("records", res.StaleRecords).Msg("dropped stale journal records")
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range st.JournalPartitions() {
		records := j.since(part, 0)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			log := o.log.With().Str("partition", part).Logger()
			errs := unwind(o.mounter, j, records, log)
			mu.Lock()
			res.Unmounted += len(records) - len(errs)
			res.Errors = append(res.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	mounted := st.MountedModules()
	st.OverlayModules = filterMounted(st.OverlayModules, mounted)
	st.MagicModules = filterMounted(st.MagicModules, mounted)
	st.Partitions = st.JournalPartitions()
	if st.Partitions == nil {
		st.Partitions = []string{}
	}
	return res, err
}

// Live returns the modules whose journalled mounts are still in the mount
// table. st is not modified.
func (o *Orchestrator) Live(st *state.RuntimeState) (map[string]bool, error) {
	infos, err := o.mounter.MountPoints()
	if err != nil {
		return nil, fmt.Errorf("%w: read mount table: %v", ErrMount, err)
	}
	table := NewTable(infos)
	out := map[string]bool{}
	for _, r := range st.Journal {
		if r.Module != "" && table.Holds(r) {
			out[r.Module] = true
		}
	}
	return out, nil
}

func filterMounted(ids []string, mounted map[string]bool) []string {
	out := []string{}
	for _, id := range ids {
		if mounted[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

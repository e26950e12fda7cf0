package planner

import (
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// Severity grades a conflict. Conflicts never block mounting.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Contribution is one file a module puts on a partition.
type Contribution struct {
	Module    string
	Partition string
	// RelPath is relative to the partition root
	RelPath string
	Mode    rules.Mode
}

// ConflictEntry is one (partition, path) claimed by two or more modules.
type ConflictEntry struct {
	Partition         string                `json:"partition"`
	RelativePath      string                `json:"relative_path"`
	ContendingModules []string              `json:"contending_modules"`
	Modes             map[string]rules.Mode `json:"modes"`
	Severity          Severity              `json:"severity"`
}

// AnalyzeOptions tunes severity grading.
type AnalyzeOptions struct {
	// OverlayInfo grades collisions where every contender uses overlay as
	// Info; stack order makes their outcome deterministic.
	OverlayInfo bool
}

// Analyze groups contributions by (partition, path) and returns one entry
// per path with at least two distinct modules. Entries are sorted by
// partition then path; contending modules by id. Ignored contributions are
// dropped before grouping.
func Analyze(contribs []Contribution, opts AnalyzeOptions) []ConflictEntry {
	type key struct{ partition, rel string }
	groups := make(map[key]map[string]rules.Mode)
	for _, c := range contribs {
		if c.Mode == rules.Ignore {
			continue
		}
		k := key{c.Partition, c.RelPath}
		if groups[k] == nil {
			groups[k] = make(map[string]rules.Mode)
		}
		groups[k][c.Module] = c.Mode
	}

	var out []ConflictEntry
	for k, byModule := range groups {
		if len(byModule) < 2 {
			continue
		}
		entry := ConflictEntry{
			Partition:    k.partition,
			RelativePath: k.rel,
			Modes:        byModule,
			Severity:     SeverityWarning,
		}
		allOverlay := true
		for id, mode := range byModule {
			entry.ContendingModules = append(entry.ContendingModules, id)
			if mode != rules.Overlay {
				allOverlay = false
			}
		}
		sort.Strings(entry.ContendingModules)
		if allOverlay && opts.OverlayInfo {
			entry.Severity = SeverityInfo
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].RelativePath < out[j].RelativePath
	})
	return out
}

// Walker collects contributions from module trees on disk.
type Walker struct {
	fs  fsops.FS
	log zerolog.Logger

	// Skipped counts entries left out because of invalid names or
	// unreadable directories.
	Skipped int
}

// NewWalker creates a Walker.
func NewWalker(fs fsops.FS) *Walker {
	return &Walker{fs: fs, log: logging.Get("winnowing")}
}

// Collect walks every active module's partition directories. Unreadable
// subtrees and non-UTF-8 names are logged and skipped.
func (w *Walker) Collect(mods []modules.Module, ruleSet map[string]*rules.ModuleRules, partitions []string) []Contribution {
	var out []Contribution
	for _, m := range mods {
		if !m.Active() {
			continue
		}
		r := ruleSet[m.ID]
		if r == nil {
			r = rules.Default()
			r.DefaultMode = m.Mode
		}
		for _, part := range partitions {
			if !hasPartition(m, part) {
				continue
			}
			out = w.walk(out, m.ID, r, part, m.PartitionDir(part), "")
		}
	}
	return out
}

func (w *Walker) walk(out []Contribution, module string, r *rules.ModuleRules, partition, dir, rel string) []Contribution {
	entries, err := w.fs.ReadDir(dir)
	if err != nil {
		w.Skipped++
		w.log.Warn().Err(err).Str("module", module).Str("dir", dir).Msg("Skipping unreadable module directory")
		return out
	}
	for _, e := range entries {
		name, err := e.Name.Text()
		if err != nil {
			w.Skipped++
			w.log.Warn().Str("module", module).Str("dir", dir).Str("entry", e.Name.String()).Msg("Skipping entry with non-UTF-8 name")
			continue
		}
		childRel := path.Join(rel, name)
		mode := r.Resolve(path.Join(partition, childRel))
		if e.IsDir() {
			if mode == rules.Ignore {
				if _, uniform := r.Uniform(path.Join(partition, childRel)); uniform {
					continue
				}
			}
			out = w.walk(out, module, r, partition, filepath.Join(dir, name), childRel)
			continue
		}
		if name == config.ReplaceFile || mode == rules.Ignore {
			continue
		}
		out = append(out, Contribution{Module: module, Partition: partition, RelPath: childRel, Mode: mode})
	}
	return out
}

// Winnow walks the modules and returns the conflict report along with the
// number of entries that could not be inspected.
func Winnow(fs fsops.FS, mods []modules.Module, ruleSet map[string]*rules.ModuleRules, partitions []string, opts AnalyzeOptions) ([]ConflictEntry, int) {
	w := NewWalker(fs)
	return Analyze(w.Collect(mods, ruleSet, partitions), opts), w.Skipped
}

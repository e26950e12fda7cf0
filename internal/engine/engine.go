// Package engine provides the core operations of metahybrid.
//
// The engine package is the orchestration layer between CLI commands and the
// lower-level subsystems. It owns the process state explicitly: the parsed
// config, the single-instance lock and the pass mutex all live on Engine
// rather than in globals.
//
// Key components:
//   - Engine: Main orchestrator that coordinates all operations
//   - Mount/Unmount: One full mount pass and its LIFO unwind
//   - Staging: Optional tmpfs or ext4 copy of active modules to mount from
//   - Scan/Conflicts: Module registry listing and the Winnowing report
//   - Silos: Granary snapshot create, list, restore and delete
//   - Hymo: Rule compilation, push and runtime toggles
//   - Diagnose: Health checks across all of the above
package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/clock"
	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/granary"
	"github.com/danieljhkim/metahybrid/internal/hash"
	"github.com/danieljhkim/metahybrid/internal/hymo"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/metrics"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/mount"
	"github.com/danieljhkim/metahybrid/internal/rules"
	"github.com/danieljhkim/metahybrid/internal/state"
	"github.com/danieljhkim/metahybrid/internal/storage"
)

// Deps are the external seams an Engine is built from. Nil fields get the
// real implementation.
type Deps struct {
	FS       fsops.FS
	Mounter  mount.Mounter
	Enforcer hymo.Enforcer
	Clock    clock.Clock
	Hasher   hash.Hasher

	// Usage reports storage usage; defaults to fsops.StatUsage
	Usage func(path string) (*fsops.Usage, error)

	// Sysroot is prefixed to partition names when resolving mount
	// targets; defaults to "/"
	Sysroot string

	// Run executes the staging helpers (losetup, mkfs.ext4, e2fsck)
	Run storage.Runner

	// SetXattr writes extended attributes on staged trees
	SetXattr func(path, name string, value []byte) error
}

// Engine orchestrates all metahybrid operations.
// It is the main API surface called by the CLI.
type Engine struct {
	// mu makes mount passes, unmount passes and restores disjoint
	mu sync.Mutex

	paths config.Paths
	cfg   *config.Config
	fs    fsops.FS
	clock clock.Clock
	usage func(path string) (*fsops.Usage, error)
	sys   string
	log   zerolog.Logger

	ruleStore    *rules.Store
	registry     *modules.Registry
	stateStore   state.StateStore
	orchestrator *mount.Orchestrator
	storage      *storage.Backend
	granary      *granary.Granary
	hymo         *hymo.Compiler
	metrics      *metrics.Collector
}

// New creates a new Engine for the given paths and config.
func New(paths config.Paths, cfg *config.Config, deps Deps) *Engine {
	if deps.FS == nil {
		deps.FS = fsops.NewRealFS()
	}
	if deps.Mounter == nil {
		deps.Mounter = mount.NewUnixMounter()
	}
	if deps.Enforcer == nil {
		deps.Enforcer = hymo.NewExecEnforcer(cfg.HymoBin, cfg.HymoTimeoutDuration())
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Hasher == nil {
		deps.Hasher = hash.NewSHA256Hasher()
	}
	if deps.Usage == nil {
		deps.Usage = fsops.StatUsage
	}
	if deps.Sysroot == "" {
		deps.Sysroot = "/"
	}

	workDir := paths.Work
	if cfg.TempDir != "" {
		workDir = cfg.TempDir
	}

	ruleStore := rules.NewStore(deps.FS, paths.Rules)
	ruleStore.SetDefaultMode(cfg.DefaultMode)
	stateStore := state.NewFileStateStore(deps.FS, paths.State, paths.HymoState)

	return &Engine{
		paths: paths,
		cfg:   cfg,
		fs:    deps.FS,
		clock: deps.Clock,
		usage: deps.Usage,
		sys:   deps.Sysroot,
		log:   logging.Get("engine"),

		ruleStore:  ruleStore,
		registry:   modules.NewRegistry(deps.FS, cfg.ModuleDir, ruleStore, cfg.AllPartitions()),
		stateStore: stateStore,
		orchestrator: mount.NewOrchestrator(deps.Mounter, deps.FS, mount.Options{
			WorkDir: workDir,
			Source:  cfg.MountSource,
		}),
		storage: storage.New(deps.Mounter, deps.FS, storage.Options{
			Mode:       cfg.StorageMode,
			MountPoint: paths.Staging,
			Image:      paths.Image,
			ModuleDir:  cfg.ModuleDir,
			Source:     cfg.MountSource,
			Run:        deps.Run,
			SetXattr:   deps.SetXattr,
		}),
		granary: granary.New(deps.FS, granary.Options{
			Root: paths.Granary,
			Sources: granary.Sources{
				Files:     []string{paths.Config, cfg.HymoRules},
				Dirs:      []string{paths.Rules},
				ModuleDir: cfg.ModuleDir,
			},
			MaxSilos: cfg.MaxSilos,
			Clock:    deps.Clock,
			Hasher:   deps.Hasher,
			Usage:    deps.Usage,
		}),
		hymo:    hymo.NewCompiler(deps.Enforcer, stateStore, deps.Clock),
		metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Paths returns the filesystem layout the engine runs with.
func (e *Engine) Paths() config.Paths {
	return e.paths
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// ruleSet loads the rules of every module in mods. A module whose rules
// cannot be read falls back to its default mode.
func (e *Engine) ruleSet(mods []modules.Module) map[string]*rules.ModuleRules {
	out := make(map[string]*rules.ModuleRules, len(mods))
	for _, m := range mods {
		r, err := e.ruleStore.Load(m.ID)
		if err != nil {
			e.log.Warn().Err(err).Str("module", m.ID).Msg("failed to load rules, using module default")
			r = rules.Default()
			r.DefaultMode = m.Mode
		}
		out[m.ID] = r
	}
	return out
}

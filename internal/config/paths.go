// Package config manages metahybrid configuration and filesystem paths.
//
// All daemon data lives under a single base directory (default
// /data/adb/meta-hybrid) containing the config file, per-module rules, the
// granary, and the run directory. The base can be moved with MHM_ROOT, which
// is how tests and non-device runs keep everything inside a temp dir.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultRoot is the on-device base directory.
	DefaultRoot = "/data/adb/meta-hybrid"

	// DefaultModuleDir is where the root manager installs modules.
	DefaultModuleDir = "/data/adb/modules"

	// RootEnv overrides DefaultRoot.
	RootEnv = "MHM_ROOT"
)

// Module marker files consumed by the registry.
const (
	DisableFile   = "disable"
	SkipMountFile = "skip_mount"
	RemoveFile    = "remove"
	PropFile      = "module.prop"
)

// Magic mount opaque-directory markers.
const (
	ReplaceFile  = ".replace"
	OpaqueXattr  = "trusted.overlay.opaque"
	OpaqueMarker = "y"
)

// BuiltinPartitions are always considered when scanning module trees.
var BuiltinPartitions = []string{
	"system",
	"vendor",
	"product",
	"system_ext",
	"odm",
	"oem",
}

// Paths contains all the filesystem paths used by metahybrid.
type Paths struct {
	// Root is the base directory for all metahybrid data
	Root string

	// Config is the path to the key=value config file
	Config string

	// Rules is the directory holding one <module-id>.json per module
	Rules string

	// Granary is the directory containing silos
	Granary string

	// HymoRules is the Hymo rule source file
	HymoRules string

	// Run is the runtime directory (lock, state, overlay work dirs)
	Run string

	// State is the persisted daemon state file
	State string

	// HymoState is the persisted Hymo negotiation and version state
	HymoState string

	// Lock is the single-instance lock file
	Lock string

	// Work is the parent of per-mount private upper/work and staging dirs
	Work string

	// Log is the daemon log file
	Log string

	// Metrics is the Prometheus textfile written after every pass
	Metrics string

	// Staging is where the tmpfs or ext4 staging area is mounted
	Staging string

	// Image is the ext4 image backing the staging area
	Image string
}

// DefaultPaths returns the default paths for metahybrid.
// Paths can be overridden with environment variables:
// - MHM_ROOT: Override the root directory
func DefaultPaths() *Paths {
	root := os.Getenv(RootEnv)
	if root == "" {
		root = DefaultRoot
	}
	return PathsAt(root)
}

// PathsAt lays out the standard tree under root.
func PathsAt(root string) *Paths {
	run := filepath.Join(root, "run")
	return &Paths{
		Root:      root,
		Config:    filepath.Join(root, "config.toml"),
		Rules:     filepath.Join(root, "rules"),
		Granary:   filepath.Join(root, "granary"),
		HymoRules: filepath.Join(root, "hymo_rules.yaml"),
		Run:       run,
		State:     filepath.Join(run, "daemon_state.json"),
		HymoState: filepath.Join(run, "hymo_state.json"),
		Lock:      filepath.Join(run, "metahybrid.lock"),
		Work:      filepath.Join(run, "work"),
		Log:       filepath.Join(root, "daemon.log"),
		Metrics:   filepath.Join(run, "metahybrid.prom"),
		Staging:   filepath.Join(root, "mnt"),
		Image:     filepath.Join(root, "modules.img"),
	}
}

// EnsureDirectories creates all necessary directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.Root,
		p.Rules,
		p.Granary,
		p.Run,
		p.Work,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

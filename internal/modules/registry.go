// Package modules discovers installed modules and their metadata.
//
// A module is a directory under moduledir whose name is the module id. Its
// module.prop is parsed strictly; modules with broken metadata are
// quarantined and reported instead of being handed to the mount path.
//
// Key components:
//   - Registry: scans moduledir and produces a ScanResult
//   - Module: immutable record of one module for one scan cycle
//   - Prop: parsed module.prop
package modules

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// SelfID is the id this daemon is installed under; it is never scanned as a
// contributing module.
const SelfID = "meta-hybrid"

// Module is one installed module.
type Module struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	VersionCode int64      `json:"versionCode"`
	Author      string     `json:"author"`
	Description string     `json:"description"`
	Mode        rules.Mode `json:"mode"`
	Path        string     `json:"path"`
	Partitions  []string   `json:"partitions"`
	Disabled    bool       `json:"disabled"`
	Skip        bool       `json:"skip"`
	Remove      bool       `json:"remove"`
	IsMounted   bool       `json:"is_mounted"`
}

// Active reports whether the module should take part in mounting.
func (m *Module) Active() bool {
	return !m.Disabled && !m.Skip && !m.Remove
}

// PartitionDir returns the module's directory for partition.
func (m *Module) PartitionDir(partition string) string {
	return filepath.Join(m.Path, partition)
}

// Quarantined is a module directory rejected during a scan.
type Quarantined struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ScanResult is the outcome of one registry scan.
type ScanResult struct {
	Modules     []Module      `json:"modules"`
	Quarantined []Quarantined `json:"quarantined"`
}

// Active returns the modules that take part in mounting, in id order.
func (r *ScanResult) Active() []Module {
	var out []Module
	for _, m := range r.Modules {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out
}

// MarkMounted sets IsMounted for every module id in mounted.
func (r *ScanResult) MarkMounted(mounted map[string]bool) {
	for i := range r.Modules {
		r.Modules[i].IsMounted = mounted[r.Modules[i].ID]
	}
}

// Registry scans a module directory.
type Registry struct {
	fs         fsops.FS
	dir        string
	rules      *rules.Store
	partitions []string
	log        zerolog.Logger
}

// NewRegistry creates a Registry for dir. partitions is the full list of
// partition names to look for inside each module.
func NewRegistry(fs fsops.FS, dir string, ruleStore *rules.Store, partitions []string) *Registry {
	return &Registry{
		fs:         fs,
		dir:        dir,
		rules:      ruleStore,
		partitions: partitions,
		log:        logging.Get("modules"),
	}
}

// Scan reads every module directory. A missing moduledir yields an empty
// result. Entries whose names are not valid UTF-8 are logged and skipped.
func (r *Registry) Scan() (*ScanResult, error) {
	result := &ScanResult{Modules: []Module{}, Quarantined: []Quarantined{}}

	entries, err := r.fs.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("%w: failed to read module directory %s: %v", fsops.ErrFilesystem, r.dir, err)
	}

	for _, entry := range entries {
		name, err := entry.Name.Text()
		if err != nil {
			r.log.Warn().Str("entry", entry.Name.String()).Msg("Skipping module directory with non-UTF-8 name")
			continue
		}
		if name == SelfID || name == "lost+found" {
			continue
		}

		modPath := filepath.Join(r.dir, name)
		if !entry.IsDir() {
			info, err := r.fs.Stat(modPath)
			if err != nil || !info.IsDir() {
				continue
			}
		}

		mod, reason := r.load(name, modPath)
		if reason != "" {
			r.log.Warn().Str("module", name).Str("reason", reason).Msg("Quarantined module")
			result.Quarantined = append(result.Quarantined, Quarantined{ID: name, Path: modPath, Reason: reason})
			continue
		}
		result.Modules = append(result.Modules, *mod)
	}

	sort.Slice(result.Modules, func(i, j int) bool {
		return result.Modules[i].ID < result.Modules[j].ID
	})
	return result, nil
}

// load builds a Module or returns a quarantine reason.
func (r *Registry) load(id, modPath string) (*Module, string) {
	if err := rules.ValidateModuleID(id); err != nil {
		return nil, err.Error()
	}

	prop := &Prop{}
	data, err := r.fs.ReadFile(filepath.Join(modPath, config.PropFile))
	switch {
	case err == nil:
		prop, err = ParseProp(bytes.NewReader(data))
		if err != nil {
			return nil, "malformed module.prop: " + err.Error()
		}
	case os.IsNotExist(err):
	default:
		return nil, "unreadable module.prop: " + err.Error()
	}

	if prop.ID != "" && prop.ID != id {
		return nil, fmt.Sprintf("module.prop id %q does not match directory name", prop.ID)
	}

	modRules, err := r.rules.Load(id)
	if err != nil {
		return nil, "invalid rules: " + err.Error()
	}

	mod := &Module{
		ID:          id,
		Name:        prop.Name,
		Version:     prop.Version,
		VersionCode: prop.VersionCode,
		Author:      prop.Author,
		Description: prop.Description,
		Mode:        modRules.DefaultMode,
		Path:        modPath,
		Partitions:  []string{},
		Disabled:    r.marker(modPath, config.DisableFile),
		Skip:        r.marker(modPath, config.SkipMountFile),
		Remove:      r.marker(modPath, config.RemoveFile),
	}
	if mod.Name == "" {
		mod.Name = id
	}

	for _, part := range r.partitions {
		info, err := r.fs.Stat(filepath.Join(modPath, part))
		if err == nil && info.IsDir() {
			mod.Partitions = append(mod.Partitions, part)
		}
	}
	return mod, ""
}

func (r *Registry) marker(modPath, name string) bool {
	ok, err := r.fs.Exists(filepath.Join(modPath, name))
	return err == nil && ok
}
